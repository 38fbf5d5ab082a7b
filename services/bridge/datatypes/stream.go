// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// StreamEvent is one SSE event the bridge emits to its caller.
//
// # Description
//
// Events form a hash chain: Hash covers the event's content and
// PrevHash links to the previous event, giving the consumer chain of
// custody over streamed content. Id and CreatedAt are populated by the
// SSE writer.
//
// # Event Types
//
//   - "token": Content carries an incremental answer delta.
//   - "reference": Content carries the formatted citation block.
//   - "error": Error carries a user-facing failure description.
//   - "done": SessionId identifies the conversation for follow-ups.
type StreamEvent struct {
	Id        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionId string `json:"session_id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
}
