package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

func newEmbeddingServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embed",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestEmbedder(url string) *OpenAIEmbedder {
	return NewOpenAIEmbedder(config.OpenAIConfig{
		BaseURL:        url,
		APIKey:         "test",
		EmbeddingModel: "test-embed",
	}, WithEmbedRetry(2, time.Millisecond))
}

func TestOpenAIEmbedderEmbed(t *testing.T) {
	srv, calls := newEmbeddingServer(t, 0, 0)
	e := newTestEmbedder(srv.URL)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestOpenAIEmbedderRetriesServerErrors(t *testing.T) {
	srv, calls := newEmbeddingServer(t, 2, http.StatusServiceUnavailable)
	e := newTestEmbedder(srv.URL)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestOpenAIEmbedderDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := newEmbeddingServer(t, 10, http.StatusBadRequest)
	e := newTestEmbedder(srv.URL)

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestOpenAIEmbedderEmptyInput(t *testing.T) {
	e := newTestEmbedder("http://127.0.0.1:0")
	_, err := e.Embed(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
}
