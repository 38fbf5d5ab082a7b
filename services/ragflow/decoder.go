// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ragflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType tags the two kinds of decoded stream events.
type EventType string

const (
	// EventTextDelta carries the not-yet-emitted suffix of the answer.
	EventTextDelta EventType = "text_delta"

	// EventReference carries the final, deduplicated citation block as
	// formatted markdown. At most one per stream, and it terminates the
	// meaningful portion of the stream.
	EventReference EventType = "reference"
)

// Event is one decoded unit of a completion stream.
type Event struct {
	Type EventType
	Text string
}

// EmitFunc receives decoded events in arrival order. Returning an
// error aborts decoding; the error propagates out of Decode.
type EmitFunc func(Event) error

// =============================================================================
// Wire Payloads
// =============================================================================

// eventMarkerLen is the fixed prefix length of every event line:
// "data:" (five bytes) ahead of the JSON payload.
const eventMarkerLen = 5

// runningPlaceholder is the backend's "agent still working" filler
// answer. Events carrying it produce no output.
const runningPlaceholder = "* is running..."

type streamPayload struct {
	Data json.RawMessage `json:"data"`
}

type completionData struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	Reference struct {
		Chunks []ReferenceChunk `json:"chunks"`
	} `json:"reference"`
}

// ReferenceChunk is one retrieved passage citation as the backend
// reports it.
type ReferenceChunk struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder converts one completion stream's raw lines into text deltas
// and a single reference block.
//
// # Description
//
// The backend repeats the full answer in every event; the decoder
// tracks how much has already been emitted and yields only the unseen
// suffix. Reference chunks are deduplicated by document id in
// first-seen order and formatted as markdown links against the
// client's base URL.
//
// A Decoder holds per-stream state (emitted length, seen documents)
// and must not be reused across streams.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Decoder struct {
	linkBase string
	emitted  int
	seenDocs map[string]bool
}

// NewDecoder creates a Decoder whose reference links point at linkBase
// (the "{host}:{port}" the backend is served from).
func NewDecoder(linkBase string) *Decoder {
	return &Decoder{
		linkBase: strings.TrimSuffix(linkBase, "/"),
		seenDocs: make(map[string]bool),
	}
}

// Decode pulls lines from the stream until it ends, emitting decoded
// events as they arrive.
//
// # Description
//
// Malformed lines are logged and skipped; they never abort the stream.
// A reference block is the terminal meaningful event: once emitted,
// Decode returns without draining the remainder. A transport failure
// mid-stream propagates as the wrapped error from Recv. Decode does
// not close the stream; the caller owns it.
func (d *Decoder) Decode(stream *CompletionStream, emit EmitFunc) error {
	for {
		line, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		event, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		if err := emit(*event); err != nil {
			return err
		}
		if event.Type == EventReference {
			return nil
		}
	}
}

// decodeLine turns one raw line into an event, or nothing.
//
// Empty lines, keep-alive acks ({"data": true}), "still running"
// placeholders, malformed JSON, and zero-length deltas all produce
// (nil, false).
func (d *Decoder) decodeLine(line string) (*Event, bool) {
	if line == "" {
		return nil, false
	}
	if len(line) <= eventMarkerLen {
		return nil, false
	}

	var payload streamPayload
	if err := json.Unmarshal([]byte(line[eventMarkerLen:]), &payload); err != nil {
		slog.Warn("Failed to parse completion stream line", "error", err, "line", line)
		return nil, false
	}

	// {"data": true} is the backend's end-of-stream ack.
	if bytes.Equal(bytes.TrimSpace(payload.Data), []byte("true")) {
		return nil, false
	}

	var data completionData
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		slog.Warn("Failed to parse completion event data", "error", err)
		return nil, false
	}
	if strings.Contains(data.Answer, runningPlaceholder) {
		return nil, false
	}

	if len(data.Reference.Chunks) > 0 {
		return &Event{Type: EventReference, Text: d.formatReferences(data.Reference.Chunks)}, true
	}

	// The answer field is cumulative; emit only the unseen suffix.
	if len(data.Answer) <= d.emitted {
		return nil, false
	}
	delta := data.Answer[d.emitted:]
	d.emitted = len(data.Answer)
	return &Event{Type: EventTextDelta, Text: delta}, true
}

// formatReferences builds the markdown citation block, skipping
// documents already cited in this stream.
func (d *Decoder) formatReferences(chunks []ReferenceChunk) string {
	var sb strings.Builder
	sb.WriteString("\n\n### references\n")
	for _, chunk := range chunks {
		if d.seenDocs[chunk.DocumentID] {
			continue
		}
		d.seenDocs[chunk.DocumentID] = true
		fmt.Fprintf(&sb, "\n\n - [%s](%s/document/%s?ext=%s&prefix=document)",
			chunk.DocumentName, d.linkBase, chunk.DocumentID,
			documentExtension(chunk.DocumentName))
	}
	return sb.String()
}

// documentExtension extracts the lowercased file extension, without
// the dot. A name with no dot yields the empty string.
func documentExtension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name[idx+1:]))
}
