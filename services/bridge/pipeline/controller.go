// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates one chat message end to end.
//
// The controller exposes the three hooks the front-end drives:
//   - Inlet: runs before the completion and resolves backend identity
//     for the conversation, ingesting any attached files.
//   - Pipe: runs the completion, streaming the backend's answer
//     through the decoder and relaying deltas plus the reference block.
//   - Outlet: runs after the completion as an observability pass-through.
//
// Errors that affect a single call become user-visible text here;
// structured error types never cross this boundary upward.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/RagflowBridge/services/bridge/config"
	"github.com/AleutianAI/RagflowBridge/services/bridge/datatypes"
	"github.com/AleutianAI/RagflowBridge/services/bridge/observability"
	"github.com/AleutianAI/RagflowBridge/services/bridge/session"
	"github.com/AleutianAI/RagflowBridge/services/ragflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.bridge.pipeline")

// defaultChatName names the lazily created backend chat when no
// CHAT_ID is configured.
const defaultChatName = "ragflow-bridge"

// =============================================================================
// Interfaces
// =============================================================================

// BackendClient is the slice of the RAGFlow client the controller
// needs. *ragflow.Client satisfies it.
type BackendClient interface {
	CreateChat(ctx context.Context, name string, datasetIDs []string) (string, error)
	CreateSession(ctx context.Context, chatID string) (string, error)
	StreamCompletion(ctx context.Context, chatID, sessionID, question, lang string) (*ragflow.CompletionStream, error)
	UploadDocuments(ctx context.Context, datasetID string, paths []string) ([]ragflow.DocumentStatus, error)
	BaseURL() string
}

// ChunkKind classifies a pipe output chunk.
type ChunkKind string

const (
	// ChunkToken is an incremental answer delta.
	ChunkToken ChunkKind = "token"
	// ChunkReference is the rendered markdown source block.
	ChunkReference ChunkKind = "reference"
	// ChunkError is a user-visible failure description. At most one is
	// emitted per pipe call and nothing follows it.
	ChunkError ChunkKind = "error"
)

// Chunk is one unit of pipe output.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// EmitFunc receives pipe output chunks (answer deltas, the reference
// block, or a single error chunk) in arrival order. Returning an
// error stops the stream; the underlying connection is released.
type EmitFunc func(chunk Chunk) error

// =============================================================================
// Controller
// =============================================================================

// Controller wires the backend client, session registry and chat
// provider into the inlet/pipe/outlet flow.
//
// # Thread Safety
//
// Safe for concurrent use; per-conversation state lives in the
// registry, per-stream state in the decoder.
type Controller struct {
	client    BackendClient
	valves    *config.Valves
	configErr error
	sessions  *session.Registry
	chats     *session.ChatProvider
	metrics   *observability.BridgeMetrics
}

// countingSessionCreator records a metric for every session the
// registry actually creates.
type countingSessionCreator struct {
	client  BackendClient
	metrics *observability.BridgeMetrics
}

func (c *countingSessionCreator) CreateSession(ctx context.Context, chatID string) (string, error) {
	id, err := c.client.CreateSession(ctx, chatID)
	if err == nil {
		c.metrics.RecordSessionCreated()
	}
	return id, err
}

// New creates a fully configured Controller.
//
// The session registry and chat provider are owned by the controller;
// one registry per process keeps the at-most-once-per-conversation
// invariant.
func New(client BackendClient, valves *config.Valves, metrics *observability.BridgeMetrics) *Controller {
	var datasetIDs []string
	if valves.DatasetID != "" {
		datasetIDs = []string{valves.DatasetID}
	}
	return &Controller{
		client:   client,
		valves:   valves,
		sessions: session.NewRegistry(&countingSessionCreator{client: client, metrics: metrics}),
		chats:    session.NewChatProvider(client, valves.ChatID, defaultChatName, datasetIDs),
		metrics:  metrics,
	}
}

// NewDegraded creates a Controller for a process whose configuration
// failed to load. Inlet and Outlet pass through; every Pipe call
// produces a single descriptive error string.
func NewDegraded(configErr error, metrics *observability.BridgeMetrics) *Controller {
	return &Controller{configErr: configErr, metrics: metrics}
}

// Sessions exposes the registry for recovery paths (session reset
// endpoints, tests).
func (c *Controller) Sessions() *session.Registry {
	return c.sessions
}

// =============================================================================
// Inlet
// =============================================================================

// Inlet prepares backend identity for the envelope's conversation.
//
// # Description
//
// Reads metadata.chat_id, ensures the backend chat exists, and
// resolves (or lazily creates) the conversation's session. When the
// envelope carries files and a dataset is configured, the files are
// uploaded and the per-file results attached to the envelope. The
// envelope is otherwise returned unmodified; resolution failures are
// logged and deferred to Pipe, which fails fast with a descriptive
// message.
func (c *Controller) Inlet(ctx context.Context, env *datatypes.RequestEnvelope, user *datatypes.UserInfo) (*datatypes.RequestEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Controller.Inlet")
	defer span.End()

	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	if user != nil {
		slog.Debug("Inlet invoked", "user", user.Name, "externalId", env.Metadata.ChatID)
	}
	if c.client == nil {
		slog.Warn("Inlet skipped: bridge is not configured", "error", c.configErr)
		return env, nil
	}

	externalID := env.Metadata.ChatID
	if externalID == "" {
		slog.Warn("Envelope metadata carries no chat_id; session resolution deferred")
		return env, nil
	}
	span.SetAttributes(attribute.String("bridge.external_id", externalID))

	chatID, err := c.chats.ChatID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat provisioning failed")
		slog.Error("Failed to ensure backend chat", "error", err)
		c.metrics.RecordError("backend")
		return env, nil
	}

	sessionID, err := c.sessions.Resolve(ctx, chatID, externalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session resolution failed")
		slog.Error("Failed to resolve backend session",
			"externalId", externalID, "error", err)
		c.metrics.RecordError("backend")
		return env, nil
	}
	env.SessionID = sessionID

	if len(env.Files) > 0 {
		c.ingestFiles(ctx, env)
	}
	return env, nil
}

// ingestFiles uploads envelope files into the configured dataset and
// attaches the per-file outcomes. Upload failure never fails the
// inlet.
func (c *Controller) ingestFiles(ctx context.Context, env *datatypes.RequestEnvelope) {
	if c.valves.DatasetID == "" {
		slog.Warn("Envelope carries files but DATASET_ID is not configured; skipping upload",
			"files", len(env.Files))
		return
	}

	paths := make([]string, 0, len(env.Files))
	for _, f := range env.Files {
		paths = append(paths, f.Path)
	}
	statuses, err := c.client.UploadDocuments(ctx, c.valves.DatasetID, paths)
	if err != nil {
		slog.Error("Document upload failed", "datasetId", c.valves.DatasetID, "error", err)
		c.metrics.RecordError("backend")
		return
	}
	for _, s := range statuses {
		env.UploadResults = append(env.UploadResults, datatypes.UploadResult{
			ID:     s.ID,
			Name:   s.Name,
			Status: s.Status,
		})
	}
}

// =============================================================================
// Pipe
// =============================================================================

// Pipe streams the backend's answer for one user message.
//
// # Description
//
// Fail-fast: a missing client or unresolvable chat identity produces a
// single descriptive error string through emit and no stream. On the
// happy path the completion stream is decoded incrementally: each
// decoded event is emitted as it arrives, never after buffering the
// body. A transport failure mid-stream emits one error string; partial
// output already delivered stands. The stream's connection is released
// on every return path.
func (c *Controller) Pipe(ctx context.Context, message, modelID string, history []datatypes.Message, env *datatypes.RequestEnvelope, emit EmitFunc) error {
	ctx, span := tracer.Start(ctx, "Controller.Pipe")
	defer span.End()
	span.SetAttributes(attribute.String("bridge.model_id", modelID))

	if c.client == nil {
		reason := "bridge is not configured"
		if c.configErr != nil {
			reason = c.configErr.Error()
		}
		c.metrics.RecordError("config")
		return emit(Chunk{Kind: ChunkError, Text: fmt.Sprintf("RAGFlow pipeline unavailable: %s", reason)})
	}

	externalID := ""
	if env != nil {
		externalID = env.Metadata.ChatID
	}
	if externalID == "" {
		c.metrics.RecordError("config")
		return emit(Chunk{Kind: ChunkError, Text: "RAGFlow pipeline unavailable: request carries no conversation id (metadata.chat_id)"})
	}

	chatID, err := c.chats.ChatID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat provisioning failed")
		c.metrics.RecordError("backend")
		return emit(Chunk{Kind: ChunkError, Text: describeBackendFailure("chat creation", err)})
	}

	sessionID, err := c.sessions.Resolve(ctx, chatID, externalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session resolution failed")
		c.metrics.RecordError("backend")
		return emit(Chunk{Kind: ChunkError, Text: describeBackendFailure("session creation", err)})
	}
	span.SetAttributes(
		attribute.String("bridge.chat_id", chatID),
		attribute.String("bridge.session_id", sessionID),
	)
	// Callers that report the session (SSE done events) read it back
	// from the envelope.
	env.SessionID = sessionID

	stream, err := c.client.StreamCompletion(ctx, chatID, sessionID, message, c.valves.Language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion request failed")
		c.metrics.RecordError("backend")
		return emit(Chunk{Kind: ChunkError, Text: describeBackendFailure("completion request", err)})
	}
	defer stream.Close()

	decoder := ragflow.NewDecoder(c.client.BaseURL())
	decodeErr := decoder.Decode(stream, func(event ragflow.Event) error {
		kind := ChunkToken
		if event.Type == ragflow.EventReference {
			kind = ChunkReference
		}
		return emit(Chunk{Kind: kind, Text: event.Text})
	})
	if decodeErr != nil {
		// Emit callback errors (caller gone) propagate as-is; transport
		// failures become one user-visible error chunk.
		if errors.Is(decodeErr, ctx.Err()) || isEmitError(decodeErr) {
			return decodeErr
		}
		span.RecordError(decodeErr)
		span.SetStatus(codes.Error, "stream transport failed")
		slog.Error("Completion stream failed mid-answer",
			"sessionId", sessionID, "error", decodeErr)
		c.metrics.RecordError("transport")
		return emit(Chunk{Kind: ChunkError, Text: "RAGFlow answer stream was interrupted; partial answer shown"})
	}
	return nil
}

// describeBackendFailure formats a backend error for the caller.
// BackendError keeps its status code; transport errors stay generic.
func describeBackendFailure(operation string, err error) string {
	var be *ragflow.BackendError
	if errors.As(err, &be) {
		return fmt.Sprintf("RAGFlow %s failed with status code: %d", operation, be.Status)
	}
	return fmt.Sprintf("RAGFlow %s failed: backend unreachable", operation)
}

// isEmitError reports whether the decode error originated in the emit
// callback rather than the transport. Emit callbacks wrap their
// errors in emitError via the handlers; plain transport errors from
// the stream are wrapped by Recv with a distinct message.
func isEmitError(err error) bool {
	var ee *EmitError
	return errors.As(err, &ee)
}

// EmitError wraps a failure in the caller-facing emit path (client
// disconnect, closed response writer) so Pipe can tell it apart from
// backend transport failures.
type EmitError struct {
	Err error
}

// Error implements the error interface.
func (e *EmitError) Error() string {
	return fmt.Sprintf("emit failed: %v", e.Err)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *EmitError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Outlet
// =============================================================================

// Outlet is the post-completion observability hook. It logs and
// returns the envelope untouched; downstream consumers rely on no
// mutation happening here.
func (c *Controller) Outlet(ctx context.Context, env *datatypes.RequestEnvelope, user *datatypes.UserInfo) (*datatypes.RequestEnvelope, error) {
	_, span := tracer.Start(ctx, "Controller.Outlet")
	defer span.End()

	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	slog.Info("Outlet pass-through",
		"externalId", env.Metadata.ChatID, "sessionId", env.SessionID)
	return env, nil
}
