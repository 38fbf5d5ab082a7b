// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// resetSessionRequest identifies the conversation whose backend
// session mapping should be dropped.
type resetSessionRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
}

// HandleSessionReset drops the conversation's session mapping so the
// next message runs against a fresh backend session. Recovery path for
// sessions the backend has expired or lost.
func (h *PipelineHandler) HandleSessionReset(c *gin.Context) {
	var req resetSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reset request: " + err.Error()})
		return
	}

	sessions := h.controller.Sessions()
	if sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bridge is not configured"})
		return
	}
	sessions.Reset(req.ChatID)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "chat_id": req.ChatID})
}
