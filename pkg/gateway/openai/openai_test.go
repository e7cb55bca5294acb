package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
)

func mockChatResponse(text string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     15,
			"completion_tokens": 8,
			"total_tokens":      23,
		},
	}
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Options{APIKey: "sk-test"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Options{Model: "gpt-4o"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestCallReturnsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(mockChatResponse("Graded: 9/10"))
	}))
	defer server.Close()

	b, err := New(Options{Model: "gpt-4o", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	resp, err := b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.NoError(t, err)
	assert.Equal(t, "Graded: 9/10", resp.Text)
	assert.Equal(t, 15, resp.Usage.InputTokens)
	assert.Equal(t, 8, resp.Usage.OutputTokens)
}

func TestCallSendsImageAsMultiContent(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(mockChatResponse("ok"))
	}))
	defer server.Close()

	b, err := New(Options{Model: "gpt-4o", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddImagePrompt("grade this page", llm.Image{Data: []byte("fake-png"), MimeType: "image/png"})

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.NoError(t, err)

	messages := captured["messages"].([]any)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	assert.Equal(t, "image_url", content[1].(map[string]any)["type"])
}

func TestCallClassifiesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit exceeded", "type": "requests"},
		})
	}))
	defer server.Close()

	b, err := New(Options{Model: "gpt-4o", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransientRemote))
}

func TestCallClassifiesAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	b, err := New(Options{Model: "gpt-4o", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestNameIncludesModel(t *testing.T) {
	b, err := New(Options{Model: "gpt-4o", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Contains(t, b.Name(), "openai")
	assert.Contains(t, b.Name(), "gpt-4o")
}
