// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/RagflowBridge/services/bridge/config"
	"github.com/AleutianAI/RagflowBridge/services/bridge/datatypes"
	"github.com/AleutianAI/RagflowBridge/services/ragflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRagflow is an httptest-backed RAGFlow with counters for the
// calls the controller is expected to make exactly once.
type fakeRagflow struct {
	server       *httptest.Server
	chatCreates  atomic.Int64
	sessCreates  atomic.Int64
	completions  atomic.Int64
	uploads      atomic.Int64
	streamBody   string
	completionRC int
}

func newFakeRagflow(t *testing.T) *fakeRagflow {
	t.Helper()
	f := &fakeRagflow{completionRC: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		f.chatCreates.Add(1)
		fmt.Fprint(w, `{"code":0,"data":{"id":"chat-1"}}`)
	})
	mux.HandleFunc("POST /api/v1/chats/{id}/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.sessCreates.Add(1)
		fmt.Fprint(w, `{"code":0,"data":{"id":"sess-1"}}`)
	})
	mux.HandleFunc("POST /api/v1/chats/{id}/completions", func(w http.ResponseWriter, r *http.Request) {
		f.completions.Add(1)
		if f.completionRC != http.StatusOK {
			w.WriteHeader(f.completionRC)
			return
		}
		fmt.Fprint(w, f.streamBody)
	})
	mux.HandleFunc("POST /api/v1/datasets/{id}/documents", func(w http.ResponseWriter, r *http.Request) {
		f.uploads.Add(1)
		fmt.Fprint(w, `{"code":0,"data":[{"id":"doc-1","name":"notes.txt","status":"ok"}]}`)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRagflow) client(t *testing.T) *ragflow.Client {
	t.Helper()
	u, err := url.Parse(f.server.URL)
	require.NoError(t, err)
	return ragflow.NewClient(u.Scheme+"://"+u.Hostname(), u.Port(), "test-key")
}

func newController(t *testing.T, f *fakeRagflow, valves *config.Valves) *Controller {
	t.Helper()
	if valves == nil {
		valves = &config.Valves{APIKey: "test-key", Language: "English"}
	}
	return New(f.client(t), valves, nil)
}

func envelopeFor(externalID string) *datatypes.RequestEnvelope {
	return &datatypes.RequestEnvelope{
		Metadata: datatypes.Metadata{ChatID: externalID},
	}
}

func collectPipe(t *testing.T, c *Controller, externalID, message string) []Chunk {
	t.Helper()
	var chunks []Chunk
	err := c.Pipe(context.Background(), message, "ragflow", nil, envelopeFor(externalID),
		func(chunk Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})
	require.NoError(t, err)
	return chunks
}

func TestPipe_StreamsDeltasAndReferences(t *testing.T) {
	f := newFakeRagflow(t)
	f.streamBody = strings.Join([]string{
		`data:{"code":0,"data":{"answer":"The sky","session_id":"sess-1"}}`,
		`data:{"code":0,"data":{"answer":"The sky is blue.","session_id":"sess-1"}}`,
		`data:{"code":0,"data":{"answer":"The sky is blue.","reference":{"chunks":[{"document_id":"d9","document_name":"weather.pdf"}]}}}`,
		`data:true`,
		``,
	}, "\n")
	c := newController(t, f, nil)

	chunks := collectPipe(t, c, "conv-1", "why is the sky blue?")

	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{Kind: ChunkToken, Text: "The sky"}, chunks[0])
	assert.Equal(t, Chunk{Kind: ChunkToken, Text: " is blue."}, chunks[1])
	assert.Equal(t, ChunkReference, chunks[2].Kind)
	assert.Contains(t, chunks[2].Text, "### references")
	assert.Contains(t, chunks[2].Text, "[weather.pdf]")
	assert.Contains(t, chunks[2].Text, "/document/d9?ext=pdf&prefix=document")
}

func TestPipe_ReusesSessionAcrossMessages(t *testing.T) {
	f := newFakeRagflow(t)
	f.streamBody = `data:{"code":0,"data":{"answer":"hi","session_id":"sess-1"}}` + "\n"
	c := newController(t, f, nil)

	collectPipe(t, c, "conv-1", "first")
	collectPipe(t, c, "conv-1", "second")

	assert.Equal(t, int64(1), f.chatCreates.Load(), "chat must be created once per process")
	assert.Equal(t, int64(1), f.sessCreates.Load(), "session must be created once per conversation")
	assert.Equal(t, int64(2), f.completions.Load())
}

func TestPipe_DistinctConversationsGetDistinctSessions(t *testing.T) {
	f := newFakeRagflow(t)
	f.streamBody = `data:{"code":0,"data":{"answer":"hi","session_id":"sess-1"}}` + "\n"
	c := newController(t, f, nil)

	collectPipe(t, c, "conv-a", "hello")
	collectPipe(t, c, "conv-b", "hello")

	assert.Equal(t, int64(2), f.sessCreates.Load())
}

func TestPipe_DegradedControllerEmitsSingleError(t *testing.T) {
	c := NewDegraded(fmt.Errorf("configuration invalid: API_KEY is required"), nil)

	var chunks []Chunk
	err := c.Pipe(context.Background(), "hello", "ragflow", nil, envelopeFor("conv-1"),
		func(chunk Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Kind)
	assert.Contains(t, chunks[0].Text, "RAGFlow pipeline unavailable")
	assert.Contains(t, chunks[0].Text, "API_KEY")
}

func TestPipe_MissingConversationIDEmitsError(t *testing.T) {
	f := newFakeRagflow(t)
	c := newController(t, f, nil)

	var chunks []Chunk
	err := c.Pipe(context.Background(), "hello", "ragflow", nil, envelopeFor(""),
		func(chunk Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Kind)
	assert.Contains(t, chunks[0].Text, "metadata.chat_id")
	assert.Equal(t, int64(0), f.completions.Load())
}

func TestPipe_BackendFailureEmitsStatusCode(t *testing.T) {
	f := newFakeRagflow(t)
	f.completionRC = http.StatusBadGateway
	c := newController(t, f, nil)

	var chunks []Chunk
	err := c.Pipe(context.Background(), "hello", "ragflow", nil, envelopeFor("conv-1"),
		func(chunk Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Kind)
	assert.Contains(t, chunks[0].Text, "status code: 502")
}

func TestPipe_EmitErrorPropagates(t *testing.T) {
	f := newFakeRagflow(t)
	f.streamBody = `data:{"code":0,"data":{"answer":"hi","session_id":"sess-1"}}` + "\n"
	c := newController(t, f, nil)

	sentinel := &EmitError{Err: fmt.Errorf("client went away")}
	err := c.Pipe(context.Background(), "hello", "ragflow", nil, envelopeFor("conv-1"),
		func(chunk Chunk) error { return sentinel })

	require.Error(t, err)
	var ee *EmitError
	assert.ErrorAs(t, err, &ee)
}

func TestInlet_ResolvesSessionAndUploadsFiles(t *testing.T) {
	f := newFakeRagflow(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("some notes"), 0o600))

	valves := &config.Valves{APIKey: "test-key", Language: "English", DatasetID: "ds-1"}
	c := newController(t, f, valves)

	env := envelopeFor("conv-1")
	env.Files = []datatypes.FileRef{{ID: "f1", Name: "notes.txt", Path: path}}

	out, err := c.Inlet(context.Background(), env, &datatypes.UserInfo{Name: "casey"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, int64(1), f.uploads.Load())
	require.Len(t, out.UploadResults, 1)
	assert.Equal(t, "doc-1", out.UploadResults[0].ID)
	assert.Equal(t, "ok", out.UploadResults[0].Status)
}

func TestInlet_BackendFailureDoesNotFailInlet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := ragflow.NewClient(u.Scheme+"://"+u.Hostname(), u.Port(), "test-key")
	c := New(client, &config.Valves{APIKey: "test-key", Language: "English"}, nil)

	env := envelopeFor("conv-1")
	out, err := c.Inlet(context.Background(), env, nil)

	require.NoError(t, err)
	assert.Empty(t, out.SessionID)
}

func TestOutlet_PassesEnvelopeThroughUnchanged(t *testing.T) {
	c := NewDegraded(nil, nil)
	env := envelopeFor("conv-1")
	env.SessionID = "sess-9"

	out, err := c.Outlet(context.Background(), env, nil)

	require.NoError(t, err)
	assert.Same(t, env, out)
}
