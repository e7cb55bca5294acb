package bedrock

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

func mockClaudeResponse(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  10,
			"output_tokens": 20,
		},
	}
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(context.Background(), Options{Region: "us-east-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), Options{Model: "anthropic.claude-3-sonnet-20240229-v1:0"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestCallReturnsClaudeText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/invoke")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(mockClaudeResponse("Graded: 8/10"))
	}))
	defer server.Close()

	b, err := New(context.Background(), Options{
		Model:    "anthropic.claude-3-sonnet-20240229-v1:0",
		Region:   "us-east-1",
		Endpoint: server.URL,
	})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	resp, err := b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.NoError(t, err)
	assert.Equal(t, "Graded: 8/10", resp.Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 20, resp.Usage.OutputTokens)
}

func TestCallAttachesImageContentBlocksForClaude(t *testing.T) {
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(mockClaudeResponse("ok"))
	}))
	defer server.Close()

	b, err := New(context.Background(), Options{
		Model:    "anthropic.claude-3-sonnet-20240229-v1:0",
		Region:   "us-east-1",
		Endpoint: server.URL,
	})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddImagePrompt("grade this page", llm.Image{Data: []byte("fake-png-bytes"), MimeType: "image/png"})

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.NoError(t, err)

	messages, ok := capturedBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[0].(map[string]any)["type"])
	assert.Equal(t, "text", content[1].(map[string]any)["type"])
}

func TestCallClassifiesThrottling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "ThrottlingException: Rate exceeded"})
	}))
	defer server.Close()

	b, err := New(context.Background(), Options{
		Model:    "anthropic.claude-3-sonnet-20240229-v1:0",
		Region:   "us-east-1",
		Endpoint: server.URL,
	})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransientRemote))
}

func TestCallClassifiesAccessDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "AccessDeniedException: Insufficient permissions"})
	}))
	defer server.Close()

	b, err := New(context.Background(), Options{
		Model:    "anthropic.claude-3-sonnet-20240229-v1:0",
		Region:   "us-east-1",
		Endpoint: server.URL,
	})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	_, err = b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestNameIncludesModel(t *testing.T) {
	b, err := New(context.Background(), Options{
		Model:  "anthropic.claude-3-sonnet-20240229-v1:0",
		Region: "us-east-1",
	})
	require.NoError(t, err)
	assert.Contains(t, b.Name(), "bedrock")
	assert.Contains(t, b.Name(), "claude")
}

func TestCallParsesTitanResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inputTextTokenCount": 12,
			"results": []map[string]any{
				{"outputText": "Titan says 7/10", "tokenCount": 6, "completionReason": "FINISH"},
			},
		})
	}))
	defer server.Close()

	b, err := New(context.Background(), Options{
		Model:    "amazon.titan-text-express-v1",
		Region:   "us-east-1",
		Endpoint: server.URL,
	})
	require.NoError(t, err)

	conv := llm.NewConversation()
	conv.AddPrompt("grade this page")

	resp, err := b.Call(context.Background(), gateway.Request{Conversation: conv})
	require.NoError(t, err)
	assert.Equal(t, "Titan says 7/10", resp.Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 6, resp.Usage.OutputTokens)
}
