// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the bridge's HTTP surface: the pipeline
// inlet/outlet hooks as JSON endpoints and the pipe as an SSE stream.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/RagflowBridge/services/bridge/datatypes"
	"github.com/AleutianAI/RagflowBridge/services/bridge/observability"
	"github.com/AleutianAI/RagflowBridge/services/bridge/pipeline"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.bridge.handlers")

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Handler Struct
// =============================================================================

// PipelineHandler serves the inlet, pipe and outlet endpoints backed
// by one pipeline.Controller.
type PipelineHandler struct {
	controller *pipeline.Controller
	metrics    *observability.BridgeMetrics
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(controller *pipeline.Controller, metrics *observability.BridgeMetrics) *PipelineHandler {
	return &PipelineHandler{controller: controller, metrics: metrics}
}

// =============================================================================
// Inlet / Outlet
// =============================================================================

// HandleInlet prepares a conversation before its completion runs.
//
// # Description
//
// Accepts the front-end's request envelope plus optional user info,
// resolves backend identity and ingests attached files, and returns
// the (possibly annotated) envelope. Resolution failures degrade to
// logs; the endpoint only fails on malformed input.
func (h *PipelineHandler) HandleInlet(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleInlet")
	defer span.End()

	var req datatypes.InletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordRequest("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid inlet request: " + err.Error()})
		return
	}

	env, err := h.controller.Inlet(ctx, &req.Envelope, req.User)
	if err != nil {
		span.RecordError(err)
		h.metrics.RecordRequest("error")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.metrics.RecordRequest("ok")
	c.JSON(http.StatusOK, env)
}

// HandleOutlet is the post-completion pass-through hook.
func (h *PipelineHandler) HandleOutlet(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleOutlet")
	defer span.End()

	var req datatypes.InletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordRequest("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outlet request: " + err.Error()})
		return
	}

	env, err := h.controller.Outlet(ctx, &req.Envelope, req.User)
	if err != nil {
		span.RecordError(err)
		h.metrics.RecordRequest("error")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.metrics.RecordRequest("ok")
	c.JSON(http.StatusOK, env)
}

// =============================================================================
// Pipe (SSE)
// =============================================================================

// HandlePipe streams one completion over SSE.
//
// # Description
//
// Binds the pipe request, then relays the controller's output as SSE
// events: token for answer deltas, reference for the source block,
// error for user-visible failures, done with the backend session id.
// A heartbeat comment is written every 15s while the backend is
// silent. Client disconnects cancel the backend request via the
// request context.
func (h *PipelineHandler) HandlePipe(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandlePipe")
	defer span.End()

	var req datatypes.PipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordRequest("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipe request: " + err.Error()})
		return
	}
	span.SetAttributes(attribute.String("bridge.model_id", req.ModelID))

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	h.metrics.StreamStarted()
	start := time.Now()
	status := "ok"
	defer func() {
		h.metrics.StreamEnded()
		h.metrics.RecordStreamDuration(status, time.Since(start))
		h.metrics.RecordRequest(status)
	}()

	// Heartbeat keepalive until the stream finishes.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case <-heartbeatDone:
				return
			}
		}
	}()

	firstChunk := true
	emit := func(chunk pipeline.Chunk) error {
		if err := ctx.Err(); err != nil {
			return &pipeline.EmitError{Err: err}
		}
		if firstChunk {
			firstChunk = false
			h.metrics.RecordFirstToken(time.Since(start))
		}
		var writeErr error
		switch chunk.Kind {
		case pipeline.ChunkReference:
			writeErr = writer.WriteReference(chunk.Text)
		case pipeline.ChunkError:
			status = "error"
			writeErr = writer.WriteError(chunk.Text)
		default:
			writeErr = writer.WriteToken(chunk.Text)
		}
		if writeErr != nil {
			return &pipeline.EmitError{Err: writeErr}
		}
		return nil
	}

	if err := h.controller.Pipe(ctx, req.Message, req.ModelID, req.History, &req.Envelope, emit); err != nil {
		// Emit failures mean the client is gone; nothing left to write.
		status = "disconnected"
		slog.Info("Pipe stream ended early", "error", err)
		return
	}

	if err := writer.WriteDone(req.Envelope.SessionID); err != nil {
		slog.Warn("Failed to write done event", "error", err)
	}
}
