// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session maps external conversation identity to backend
// identity.
//
// The front-end identifies a conversation by its own chat id; RAGFlow
// identifies it by a session id it assigns. Registry holds the mapping
// for the life of the process and creates backend sessions lazily,
// exactly once per external id. ChatProvider does the same for the
// single backend chat the process uses.
package session

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Interfaces
// =============================================================================

// SessionCreator creates backend sessions. *ragflow.Client satisfies it.
type SessionCreator interface {
	CreateSession(ctx context.Context, chatID string) (string, error)
}

// ChatCreator creates backend chats. *ragflow.Client satisfies it.
type ChatCreator interface {
	CreateChat(ctx context.Context, name string, datasetIDs []string) (string, error)
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the process-wide external-id to session-id mapping.
//
// # Description
//
// Resolve is get-or-create: the common path is a read-lock map hit with
// no network call. First use of an unseen id goes through a
// singleflight group keyed by the external id, so concurrent first
// resolves for the same conversation collapse into one backend
// CreateSession call instead of racing and leaking a session.
//
// Once stored, a mapping never changes; Reset is the only way to drop
// one (recovery after the backend invalidates a session).
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	creator SessionCreator

	mu       sync.RWMutex
	sessions map[string]string
	group    singleflight.Group
}

// NewRegistry creates an empty Registry backed by creator.
func NewRegistry(creator SessionCreator) *Registry {
	return &Registry{
		creator:  creator,
		sessions: make(map[string]string),
	}
}

// Resolve returns the backend session id for externalID, creating it
// on first use.
//
// Exactly one CreateSession call is made per unseen externalID, no
// matter how many goroutines resolve it concurrently. The returned id
// is immutable for the registry's lifetime.
func (r *Registry) Resolve(ctx context.Context, chatID, externalID string) (string, error) {
	r.mu.RLock()
	id, ok := r.sessions[externalID]
	r.mu.RUnlock()
	if ok {
		slog.Debug("Resolved session from cache", "externalId", externalID, "sessionId", id)
		return id, nil
	}

	result, err, _ := r.group.Do(externalID, func() (any, error) {
		// A concurrent resolve may have stored the mapping while this
		// call waited on the group.
		r.mu.RLock()
		id, ok := r.sessions[externalID]
		r.mu.RUnlock()
		if ok {
			return id, nil
		}

		created, err := r.creator.CreateSession(ctx, chatID)
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		r.sessions[externalID] = created
		r.mu.Unlock()
		slog.Info("Created backend session for conversation",
			"externalId", externalID, "chatId", chatID, "sessionId", created)
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Reset drops the mapping for externalID so the next Resolve creates a
// fresh backend session. Unknown ids are a no-op.
func (r *Registry) Reset(externalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[externalID]; ok {
		delete(r.sessions, externalID)
		slog.Info("Reset session mapping", "externalId", externalID)
	}
}

// Len reports how many conversations currently hold a session mapping.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// =============================================================================
// ChatProvider
// =============================================================================

// ChatProvider owns the single backend chat identity for the process.
//
// # Description
//
// When the configuration names a chat id, that id is used as-is and no
// chat is ever created. Otherwise the first ChatID call creates one
// backend chat bound to the configured datasets and caches the id for
// the process lifetime. Sessions are scoped to this one chat; the
// bridge deliberately does not create a chat per conversation.
//
// # Thread Safety
//
// Safe for concurrent use; the creation mutex guarantees at most one
// CreateChat call per process between resets.
type ChatProvider struct {
	creator    ChatCreator
	configured string
	name       string
	datasetIDs []string

	mu     sync.Mutex
	cached string
}

// NewChatProvider creates a provider. configuredID may be empty, in
// which case a chat named name over datasetIDs is created on first use.
func NewChatProvider(creator ChatCreator, configuredID, name string, datasetIDs []string) *ChatProvider {
	return &ChatProvider{
		creator:    creator,
		configured: configuredID,
		name:       name,
		datasetIDs: datasetIDs,
	}
}

// ChatID returns the backend chat id, creating the chat on first use
// when none was configured.
func (p *ChatProvider) ChatID(ctx context.Context) (string, error) {
	if p.configured != "" {
		return p.configured, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" {
		return p.cached, nil
	}

	id, err := p.creator.CreateChat(ctx, p.name, p.datasetIDs)
	if err != nil {
		return "", err
	}
	p.cached = id
	return id, nil
}

// Reset clears a lazily created chat id so the next ChatID call
// provisions a new chat. Configured ids are unaffected.
func (p *ChatProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
}
