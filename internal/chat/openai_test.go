package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/config"
)

func newCompletionServer(t *testing.T, content string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 5, "total_tokens": 12},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAIConfig(baseURL string) config.AIConfig {
	return config.AIConfig{
		BaseURL: baseURL + "/v1/", APIKey: "sk-test", Model: "gpt-test",
		Temperature: 0.7, MaxTokens: 1000, TimeoutSeconds: 5,
	}
}

func TestOpenAICompleter(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := newCompletionServer(t, "Salom!", &body)
	c := NewOpenAICompleter(testAIConfig(srv.URL))

	got, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "salom"},
	})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "Salom!", TokensUsed: 12}, got)

	assert.Equal(t, "gpt-test", body["model"])
	assert.EqualValues(t, 1000, body["max_tokens"])
	assert.InDelta(t, 0.7, body["temperature"], 0.001)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAICompleterErrors(t *testing.T) {
	t.Parallel()

	srv := newCompletionServer(t, "   ", nil)
	_, err := NewOpenAICompleter(testAIConfig(srv.URL)).Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	cfg := testAIConfig(srv.URL)
	cfg.APIKey = "wrong"
	_, err = NewOpenAICompleter(cfg).Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)
}
