// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types the bridge shares between
// handlers, the pipeline controller, and the CLI.
package datatypes

// Metadata is the slice of the front-end envelope the bridge reads.
// ChatID is the caller's conversation identity, assumed stable for the
// conversation's lifetime.
type Metadata struct {
	ChatID string `json:"chat_id"`
}

// Message is one turn of front-end conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FileRef points at a caller-supplied file to ingest into the
// configured dataset during inlet.
type FileRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// UploadResult reports what the backend did with one uploaded file.
// Rejected files carry the backend's reason in Status.
type UploadResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// RequestEnvelope is the caller's request/response body. The bridge
// reads Metadata and Files, and attaches SessionID and UploadResults
// during inlet; everything else passes through untouched via Extra.
type RequestEnvelope struct {
	Metadata      Metadata       `json:"metadata"`
	Messages      []Message      `json:"messages,omitempty"`
	Files         []FileRef      `json:"files,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	UploadResults []UploadResult `json:"upload_results,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// UserInfo identifies the calling user. The bridge only logs it.
type UserInfo struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// PipeRequest is the body of the pipe endpoint: the user message plus
// the envelope inlet already processed.
type PipeRequest struct {
	Message  string          `json:"message"`
	ModelID  string          `json:"model_id,omitempty"`
	History  []Message       `json:"history,omitempty"`
	Envelope RequestEnvelope `json:"envelope"`
}

// InletRequest pairs an envelope with the calling user for the inlet
// and outlet endpoints.
type InletRequest struct {
	Envelope RequestEnvelope `json:"envelope"`
	User     *UserInfo       `json:"user,omitempty"`
}
