// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the bridge's immutable startup configuration.
//
// Configuration is sourced from environment variables (with optional
// .env support for local development) and validated once at startup.
// A failed load does not stop the process: the pipeline degrades to
// returning a descriptive error string on every pipe call instead.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// defaultLanguage is used for completion requests when ANSWER_LANG is
// not set.
const defaultLanguage = "English"

// Valves is the bridge's startup configuration. The name follows the
// front-end's convention for per-pipeline settings. Valves is created
// once by Load and never mutated afterwards.
//
// # Fields
//
//   - APIKey: RAGFlow API key, sent as a static bearer credential.
//   - Host: RAGFlow host including scheme (http:// or https://).
//   - Port: RAGFlow port, kept as a string because it only ever joins
//     a URL.
//   - DatasetID: optional knowledge-base dataset for document uploads.
//   - ChatID: optional pre-provisioned backend chat; when empty the
//     bridge creates one lazily on first use.
//   - Language: answer language forwarded to the completion endpoint.
type Valves struct {
	APIKey    string `validate:"required"`
	Host      string `validate:"required,startswith=http"`
	Port      string `validate:"required,numeric"`
	DatasetID string
	ChatID    string
	Language  string
}

// BaseURL returns the "{host}:{port}" prefix all backend calls and
// reference links use.
func (v *Valves) BaseURL() string {
	return strings.TrimSuffix(v.Host, "/") + ":" + v.Port
}

// ConfigurationError reports an unusable startup configuration. The
// bridge keeps serving with an uninitialized client and surfaces the
// reason through pipe output.
type ConfigurationError struct {
	Reason string
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Load reads and validates the bridge configuration from the
// environment.
//
// # Description
//
// A .env file in the working directory is merged in first when present
// (local development convenience; absence is not an error). Required
// variables are API_KEY, HOST and PORT; DATASET_ID, CHAT_ID and
// ANSWER_LANG are optional.
//
// # Outputs
//
//   - *Valves: the validated configuration.
//   - error: *ConfigurationError describing the first failed
//     constraint.
func Load() (*Valves, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded configuration overrides from .env file")
	}

	v := &Valves{
		APIKey:    os.Getenv("API_KEY"),
		Host:      os.Getenv("HOST"),
		Port:      os.Getenv("PORT"),
		DatasetID: os.Getenv("DATASET_ID"),
		ChatID:    os.Getenv("CHAT_ID"),
		Language:  os.Getenv("ANSWER_LANG"),
	}
	if v.Language == "" {
		v.Language = defaultLanguage
	}

	if err := validator.New().Struct(v); err != nil {
		var errs validator.ValidationErrors
		reason := err.Error()
		if errors.As(err, &errs) && len(errs) > 0 {
			reason = describeFieldError(errs[0])
		}
		return nil, &ConfigurationError{Reason: reason}
	}
	return v, nil
}

// describeFieldError maps a validator failure to the environment
// variable the operator has to fix.
func describeFieldError(fe validator.FieldError) string {
	envNames := map[string]string{
		"APIKey":    "API_KEY",
		"Host":      "HOST",
		"Port":      "PORT",
		"DatasetID": "DATASET_ID",
		"ChatID":    "CHAT_ID",
		"Language":  "ANSWER_LANG",
	}
	name := envNames[fe.Field()]
	if name == "" {
		name = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not set", name)
	case "startswith":
		return fmt.Sprintf("%s must start with http:// or https://", name)
	case "numeric":
		return fmt.Sprintf("%s must be a numeric port", name)
	default:
		return fmt.Sprintf("%s failed validation (%s)", name, fe.Tag())
	}
}
