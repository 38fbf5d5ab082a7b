// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the bridge service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and compares it against the configured service token. When no
// service token is configured, all requests pass; this keeps a local
// single-user deployment working with zero auth infrastructure.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Middleware
// =============================================================================

// BearerAuth returns middleware enforcing a static bearer token.
//
// # Description
//
// Requests must carry "Authorization: Bearer <token>" matching the
// configured token. Comparison is constant-time. An empty token
// disables enforcement entirely.
//
// # Inputs
//
//   - token: Expected bearer token. Empty disables auth.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware aborting unauthenticated requests
//     with 401.
func BearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		presented := extractBearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

// extractBearerToken pulls the token out of an Authorization header.
// Returns "" when the header is absent or not a Bearer scheme.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
