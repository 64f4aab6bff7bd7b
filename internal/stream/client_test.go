// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"id":"qwen3:8b"},{"id":"llama3:70b"},{"id":""}]}`)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Model: "m"})
	ids, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:70b", "qwen3:8b"}, ids)
}

func TestClientListModelsRetriesTransport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Slam the connection shut so the client sees a transport
			// error, not an HTTP status.
			hj := w.(http.Hijacker)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"only"}]}`)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Model: "m"})
	ids, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientListModelsNoRetryOnStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Model: "m"})
	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrKindHTTPStatus, KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "HTTP statuses must not be retried")
}

func TestClientNewSessionSnapshotsOptions(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://example.test", Model: "snap"})
	s := c.NewSession()
	assert.Equal(t, "http://example.test", c.BaseURL())
	assert.Equal(t, "snap", c.Model())
	assert.Equal(t, StateIdle, s.State())
}
