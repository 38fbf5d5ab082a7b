// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ragflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a Client at an httptest server.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return NewClient(u.Scheme+"://"+u.Hostname(), u.Port(), "test-key"), server
}

func TestCreateChat_Success(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"code":0,"data":{"id":"chat-123"}}`))
	})

	id, err := client.CreateChat(context.Background(), "bridge", []string{"ds-1"})
	require.NoError(t, err)
	assert.Equal(t, "chat-123", id)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/api/v1/chats", gotPath)
	assert.Equal(t, "bridge", gotBody["name"])
	assert.Equal(t, []any{"ds-1"}, gotBody["dataset_ids"])
}

func TestCreateSession_Success(t *testing.T) {
	t.Parallel()

	var gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"code":0,"data":{"id":"sess-9"}}`))
	})

	id, err := client.CreateSession(context.Background(), "chat-123")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", id)
	assert.Equal(t, "/api/v1/chats/chat-123/sessions", gotPath)
}

func TestCreateSession_NonOKStatusIsBackendError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":109,"message":"bad api key"}`))
	})

	_, err := client.CreateSession(context.Background(), "chat-123")
	require.Error(t, err)
	require.True(t, IsBackendError(err))

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusUnauthorized, be.Status)
	assert.Contains(t, be.Body, "bad api key")
}

func TestCreateSession_MalformedJSONIsBackendError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	})

	_, err := client.CreateSession(context.Background(), "chat-123")
	require.Error(t, err)
	assert.True(t, IsBackendError(err))
}

func TestStreamCompletion_RelaysLinesLazily(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])
		assert.Equal(t, "sess-9", req["session_id"])

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data:{\"data\":{\"answer\":\"Hi\"}}\n")
		flusher.Flush()
		io.WriteString(w, "data:{\"data\":true}\n")
		flusher.Flush()
	})

	stream, err := client.StreamCompletion(context.Background(), "chat-123", "sess-9", "hello", "English")
	require.NoError(t, err)
	defer stream.Close()

	line, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, `data:{"data":{"answer":"Hi"}}`, line)

	line, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, `data:{"data":true}`, line)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamCompletion_NonOKStatusIsBackendError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})

	stream, err := client.StreamCompletion(context.Background(), "chat-123", "sess-9", "hello", "English")
	require.Nil(t, stream)
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadGateway, be.Status)
}

func TestStreamCompletion_CloseReleasesConnection(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "data:{\"data\":{\"answer\":\"Hi\"}}\n")
		flusher.Flush()
		// Block until the client drops the connection.
		<-r.Context().Done()
		close(done)
	})

	stream, err := client.StreamCompletion(context.Background(), "chat-123", "sess-9", "hello", "English")
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	<-done
}

func TestUploadDocuments_PartialSuccessSurfacesStatuses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "a.pdf")
	bad := filepath.Join(dir, "b.exe")
	require.NoError(t, os.WriteFile(good, []byte("pdf bytes"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("exe bytes"), 0o600))

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Len(t, r.MultipartForm.File["file"], 2)
		assert.Equal(t, "/api/v1/datasets/ds-1/documents", r.URL.Path)
		w.Write([]byte(`{"code":0,"data":[` +
			`{"id":"d1","name":"a.pdf","status":"ok"},` +
			`{"id":"","name":"b.exe","status":"unsupported type"}]}`))
	})

	statuses, err := client.UploadDocuments(context.Background(), "ds-1", []string{good, bad})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "ok", statuses[0].Status)
	assert.Equal(t, "unsupported type", statuses[1].Status)
}

func TestUploadDocuments_MissingFileFails(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})

	_, err := client.UploadDocuments(context.Background(), "ds-1", []string{"/does/not/exist.pdf"})
	assert.Error(t, err)
}
