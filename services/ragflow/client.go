// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ragflow is the wire-facing client for the RAGFlow HTTP API.
//
// It covers the four operations the bridge needs: create chat, create
// session, stream completions, and upload documents. All methods attach
// the static bearer credential, map non-2xx responses and malformed
// JSON to *BackendError, and respect context cancellation.
package ragflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.bridge.ragflow")

// maxErrorBodyBytes caps how much of an error response body is kept
// inside a BackendError.
const maxErrorBodyBytes = 4 * 1024

// =============================================================================
// Wire Types
// =============================================================================

// apiEnvelope is the common RAGFlow response wrapper for non-streaming
// calls: {"code": 0, "data": {...}}.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type idPayload struct {
	ID string `json:"id"`
}

// DocumentStatus reports the outcome of one uploaded file. Partial
// upload failure is surfaced here per item, never as an error from
// UploadDocuments.
type DocumentStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type createChatRequest struct {
	Name       string   `json:"name"`
	DatasetIDs []string `json:"dataset_ids"`
}

type completionRequest struct {
	Question  string `json:"question"`
	Stream    bool   `json:"stream"`
	SessionID string `json:"session_id"`
	Lang      string `json:"lang"`
}

// =============================================================================
// Client
// =============================================================================

// Client talks to a single RAGFlow deployment.
//
// # Description
//
// Client is safe for concurrent use; it holds no per-request state.
// The base URL is "{host}:{port}" where host carries the scheme, the
// same addressing the reference links use.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a Client for the RAGFlow instance at host:port.
//
// host must include the scheme (e.g. "http://ragflow.internal"). The
// HTTP client carries no timeout: completion streams are long-lived
// and bounded only by the caller's context.
func NewClient(host, port, apiKey string) *Client {
	base := strings.TrimSuffix(host, "/")
	if port != "" {
		base = base + ":" + port
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    base,
		apiKey:     apiKey,
	}
}

// BaseURL returns the "{host}:{port}" prefix the client targets.
// Reference links in decoded streams are built against the same value.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Chat and Session Creation
// =============================================================================

// CreateChat creates a backend chat bound to the given datasets and
// returns its id.
//
// POST {base}/api/v1/chats with {"name": ..., "dataset_ids": [...]}.
// Fails with *BackendError on non-2xx or a malformed JSON envelope.
func (c *Client) CreateChat(ctx context.Context, name string, datasetIDs []string) (string, error) {
	ctx, span := tracer.Start(ctx, "ragflow.CreateChat",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("ragflow.chat_name", name))

	payload := createChatRequest{Name: name, DatasetIDs: datasetIDs}
	id, err := c.postForID(ctx, c.baseURL+"/api/v1/chats", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create chat failed")
		return "", err
	}
	slog.Info("Created RAGFlow chat", "chatId", id, "name", name)
	return id, nil
}

// CreateSession creates a new session inside chatID and returns the
// session id assigned by the backend.
//
// POST {base}/api/v1/chats/{chatID}/sessions. Same failure contract as
// CreateChat.
func (c *Client) CreateSession(ctx context.Context, chatID string) (string, error) {
	ctx, span := tracer.Start(ctx, "ragflow.CreateSession",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("ragflow.chat_id", chatID))

	url := fmt.Sprintf("%s/api/v1/chats/%s/sessions", c.baseURL, chatID)
	id, err := c.postForID(ctx, url, struct{}{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create session failed")
		return "", err
	}
	slog.Info("Created RAGFlow session", "chatId", chatID, "sessionId", id)
	return id, nil
}

// postForID issues a JSON POST and extracts data.id from the envelope.
func (c *Client) postForID(ctx context.Context, url string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ragflow request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ragflow response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("RAGFlow returned an error", "url", url,
			"status_code", resp.StatusCode, "response", truncateBody(respBody))
		return "", &BackendError{Status: resp.StatusCode, Body: truncateBody(respBody)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return "", &BackendError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var data idPayload
	if err := json.Unmarshal(envelope.Data, &data); err != nil || data.ID == "" {
		return "", &BackendError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return data.ID, nil
}

// =============================================================================
// Completion Streaming
// =============================================================================

// CompletionStream is a lazy, non-restartable sequence of raw event
// lines from one streaming completion call.
//
// # Description
//
// Lines are pulled as the backend flushes them; the whole body is never
// buffered. The stream ends when the backend closes the connection
// (Recv returns io.EOF) or the consumer calls Close, which releases the
// underlying connection. Cancelling the context passed to
// StreamCompletion also tears the connection down.
//
// # Limitations
//
//   - Not safe for concurrent Recv calls.
//   - Cannot be rewound or restarted.
type CompletionStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the next raw line from the stream. It returns io.EOF
// when the backend has closed the connection, and a wrapped transport
// error if the read failed mid-stream.
func (s *CompletionStream) Recv() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("completion stream read failed: %w", err)
	}
	return "", io.EOF
}

// Close releases the underlying connection. Safe to call more than
// once; always call it when abandoning the stream early.
func (s *CompletionStream) Close() error {
	return s.body.Close()
}

// StreamCompletion asks a question within a session and returns the raw
// event-line stream.
//
// # Description
//
// POST {base}/api/v1/chats/{chatID}/completions with
// {question, stream:true, session_id, lang}. A non-2xx status is read,
// the connection is closed, and a *BackendError is returned; otherwise
// the caller owns the returned stream and must Close it.
//
// # Assumptions
//
//   - The backend emits one event per line, "data:"-prefixed JSON.
func (c *Client) StreamCompletion(ctx context.Context, chatID, sessionID, question, lang string) (*CompletionStream, error) {
	ctx, span := tracer.Start(ctx, "ragflow.StreamCompletion",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("ragflow.chat_id", chatID),
		attribute.String("ragflow.session_id", sessionID),
	)

	payload := completionRequest{
		Question:  question,
		Stream:    true,
		SessionID: sessionID,
		Lang:      lang,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/chats/%s/completions", c.baseURL, chatID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		slog.Error("RAGFlow completion returned an error",
			"status_code", resp.StatusCode, "response", string(errBody))
		span.SetStatus(codes.Error, "completion request rejected")
		return nil, &BackendError{Status: resp.StatusCode, Body: string(errBody)}
	}

	span.SetAttributes(attribute.Int("ragflow.status_code", resp.StatusCode))

	scanner := bufio.NewScanner(resp.Body)
	// Cumulative answers grow with the response; the default 64KiB token
	// limit is too small for long answers plus references.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	return &CompletionStream{body: resp.Body, scanner: scanner}, nil
}

// =============================================================================
// Document Upload
// =============================================================================

// UploadDocuments uploads local files into a dataset.
//
// # Description
//
// Multipart POST {base}/api/v1/datasets/{datasetID}/documents, one
// "file" part per path. The call fails with *BackendError only when the
// request as a whole is rejected; files the backend accepted or
// rejected individually are reported through each DocumentStatus.
func (c *Client) UploadDocuments(ctx context.Context, datasetID string, paths []string) ([]DocumentStatus, error) {
	ctx, span := tracer.Start(ctx, "ragflow.UploadDocuments",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("ragflow.dataset_id", datasetID),
		attribute.Int("ragflow.file_count", len(paths)),
	)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, path := range paths {
		if err := attachFile(writer, path); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/datasets/%s/documents", c.baseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("RAGFlow upload returned an error",
			"status_code", resp.StatusCode, "response", truncateBody(respBody))
		return nil, &BackendError{Status: resp.StatusCode, Body: truncateBody(respBody)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &BackendError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var statuses []DocumentStatus
	if err := json.Unmarshal(envelope.Data, &statuses); err != nil {
		return nil, &BackendError{Status: resp.StatusCode, Body: string(respBody)}
	}

	slog.Info("Uploaded documents to RAGFlow dataset",
		"datasetId", datasetID, "accepted", len(statuses))
	return statuses, nil
}

// attachFile streams one local file into the multipart writer.
func attachFile(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", path, err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form part for %s: %w", path, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy %s into upload: %w", path, err)
	}
	return nil
}

// setHeaders attaches the bearer credential and JSON content type.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// truncateBody caps an error body for logs and BackendError payloads.
func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(body)
}
