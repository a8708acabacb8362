package llm

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

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func respondChat(w http.ResponseWriter, content string) {
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
	})
}

func TestCompleteReturnsContent(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		respondChat(w, `{"ok": true}`)
	})

	c := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-model"})
	out, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, out)
}

func TestCompleteSendsJSONMode(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		respondChat(w, "{}")
	})

	c := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		JSONMode: true,
	})
	require.NoError(t, err)
}

func TestCompleteRetriesServerError(t *testing.T) {
	var attempts int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		respondChat(w, "recovered")
	})

	c := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-model",
		MaxRetries: 2, RetryInterval: 5 * time.Millisecond})
	out, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestCompleteBadRequestIsTerminal(t *testing.T) {
	var attempts int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	c := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-model", MaxRetries: 3})
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.True(t, memerr.IsTerminal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestCompleteEmptyChoicesIsInvalid(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	c := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, "LLM_INVALID_RESPONSE", memerr.CodeOf(err))
}

func TestScriptedProviderPlaysInOrder(t *testing.T) {
	p := NewScriptedProvider("first", "second")
	out, err := p.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	out, err = p.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	_, err = p.Complete(context.Background(), Request{})
	assert.Error(t, err)
}
