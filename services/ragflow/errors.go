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
	"errors"
	"fmt"
)

// BackendError wraps a failed RAGFlow API call.
//
// # Description
//
// BackendError is returned for every non-2xx response and for responses
// whose body cannot be decoded as the expected JSON envelope. Callers
// never see the underlying transport error type directly; transport
// failures are wrapped with %w and HTTP-level failures become a
// *BackendError carrying the status and raw body for diagnostics.
//
// # Fields
//
//   - Status: HTTP status code from RAGFlow (0 when the body was
//     unreadable or the JSON envelope was malformed on a 2xx).
//   - Body: Raw response body, truncated by the client to a sane size.
type BackendError struct {
	Status int
	Body   string
}

// Error implements the error interface for BackendError.
func (e *BackendError) Error() string {
	return fmt.Sprintf("ragflow backend error (status %d): %s", e.Status, e.Body)
}

// IsBackendError checks if an error is (or wraps) a *BackendError.
//
// Handlers use this to decide whether an error is safe to format for
// the caller or should be replaced with a generic message.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
