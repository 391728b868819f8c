package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestWebSearchTool_InvokeAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))

		var req tavilyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fiber optic price 2025", req.Query)
		assert.Equal(t, 2, req.MaxResults)
		assert.True(t, req.IncludeAnswer)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"Prices fell.","results":[
			{"title":"A","url":"https://a.example","content":"a","score":0.9},
			{"title":"B","url":"https://b.example","content":"b","score":0.8},
			{"title":"C","url":"https://c.example","content":"c","score":0.7}]}`))
	}))
	defer srv.Close()

	cache := newMapCache()
	tool := NewWebSearchTool(WebSearchConfig{APIKey: "tvly-test", BaseURL: srv.URL, MaxResults: 5, CacheTTL: time.Minute}, cache)

	args := json.RawMessage(`{"query":"  fiber optic   price 2025 ","max_results":2}`)
	out, err := tool.Invoke(context.Background(), args)
	require.NoError(t, err)
	res := out.(WebSearchResult)
	assert.Equal(t, "Prices fell.", res.Answer)
	assert.Len(t, res.Results, 2)
	assert.False(t, res.Cached)

	out, err = tool.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.True(t, out.(WebSearchResult).Cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebSearchTool_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer srv.Close()

	tool := NewWebSearchTool(WebSearchConfig{APIKey: "bad", BaseURL: srv.URL}, nil)
	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"query":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
