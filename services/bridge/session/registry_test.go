// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCreator counts backend calls and hands out sequential ids.
type mockCreator struct {
	sessionCalls atomic.Int64
	chatCalls    atomic.Int64
	sessionErr   error
	chatErr      error
}

func (m *mockCreator) CreateSession(ctx context.Context, chatID string) (string, error) {
	n := m.sessionCalls.Add(1)
	if m.sessionErr != nil {
		return "", m.sessionErr
	}
	return fmt.Sprintf("sess-%d", n), nil
}

func (m *mockCreator) CreateChat(ctx context.Context, name string, datasetIDs []string) (string, error) {
	n := m.chatCalls.Add(1)
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return fmt.Sprintf("chat-%d", n), nil
}

func TestRegistry_ResolveCreatesOncePerKey(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{}
	registry := NewRegistry(creator)
	ctx := context.Background()

	first, err := registry.Resolve(ctx, "chat-1", "conv-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first)
	assert.Equal(t, int64(1), creator.sessionCalls.Load())

	// Second resolve is a pure cache hit.
	second, err := registry.Resolve(ctx, "chat-1", "conv-a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), creator.sessionCalls.Load())

	// A different conversation gets its own session.
	other, err := registry.Resolve(ctx, "chat-1", "conv-b")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, int64(2), creator.sessionCalls.Load())
	assert.Equal(t, 2, registry.Len())
}

func TestRegistry_ConcurrentFirstResolveCollapses(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{}
	registry := NewRegistry(creator)

	const goroutines = 32
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := registry.Resolve(context.Background(), "chat-1", "conv-hot")
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int64(1), creator.sessionCalls.Load())
}

func TestRegistry_CreateFailureIsNotCached(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{sessionErr: errors.New("backend down")}
	registry := NewRegistry(creator)

	_, err := registry.Resolve(context.Background(), "chat-1", "conv-a")
	require.Error(t, err)
	assert.Equal(t, 0, registry.Len())

	// Recovery: the next resolve retries.
	creator.sessionErr = nil
	id, err := registry.Resolve(context.Background(), "chat-1", "conv-a")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRegistry_ResetDropsMapping(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{}
	registry := NewRegistry(creator)
	ctx := context.Background()

	first, err := registry.Resolve(ctx, "chat-1", "conv-a")
	require.NoError(t, err)

	registry.Reset("conv-a")
	assert.Equal(t, 0, registry.Len())

	second, err := registry.Resolve(ctx, "chat-1", "conv-a")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// Resetting an unknown id is harmless.
	registry.Reset("conv-never-seen")
}

func TestChatProvider_ConfiguredIDSkipsCreation(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{}
	provider := NewChatProvider(creator, "chat-configured", "bridge", nil)

	id, err := provider.ChatID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chat-configured", id)
	assert.Equal(t, int64(0), creator.chatCalls.Load())
}

func TestChatProvider_LazyCreateOnce(t *testing.T) {
	t.Parallel()

	creator := &mockCreator{}
	provider := NewChatProvider(creator, "", "bridge", []string{"ds-1"})
	ctx := context.Background()

	first, err := provider.ChatID(ctx)
	require.NoError(t, err)
	second, err := provider.ChatID(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), creator.chatCalls.Load())

	provider.Reset()
	third, err := provider.ChatID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int64(2), creator.chatCalls.Load())
}
