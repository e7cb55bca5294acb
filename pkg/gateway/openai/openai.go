// Package openai implements gateway.Backend against OpenAI's chat
// completions API using go-openai directly, with image-bearing user turns
// sent as multimodal content parts for vision grading calls.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/registry"
)

func init() {
	gateway.Backends.Register("openai", func(cfg registry.Config) (gateway.Backend, error) {
		model, err := registry.RequireString(cfg, "model")
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		apiKey, err := registry.GetAPIKeyWithEnv(cfg, "OPENAI_API_KEY", "openai")
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		return New(Options{
			Model:   model,
			APIKey:  apiKey,
			BaseURL: registry.GetString(cfg, "base_url", ""),
		})
	})
}

// Options configures a Backend.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for Azure/self-hosted-compatible endpoints
}

// Backend is a gateway.Backend backed by the OpenAI chat completions API.
type Backend struct {
	client *goopenai.Client
	model  string
}

// New builds a Backend.
func New(opts Options) (*Backend, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key is required")
	}

	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &Backend{
		client: goopenai.NewClientWithConfig(cfg),
		model:  opts.Model,
	}, nil
}

func (b *Backend) Name() string { return "openai:" + b.model }

// Call sends req's conversation as a chat completion request.
func (b *Backend) Call(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	messages := conversationToMessages(req.Conversation)

	cc := goopenai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		cc.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		cc.MaxTokens = req.MaxTokens
	}

	resp, err := b.client.CreateChatCompletion(ctx, cc)
	if err != nil {
		return gateway.Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return gateway.Response{}, fmt.Errorf("openai: no choices in response")
	}

	return gateway.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: gateway.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// conversationToMessages renders a conversation to go-openai chat messages,
// expanding any attached page images into multimodal content parts.
func conversationToMessages(conv *llm.Conversation) []goopenai.ChatCompletionMessage {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(conv.Turns)*2+1)

	if conv.System != nil {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: conv.System.Content,
		})
	}

	for _, turn := range conv.Turns {
		messages = append(messages, userMessage(turn.Prompt))
		if turn.Response != nil {
			messages = append(messages, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: turn.Response.Content,
			})
		}
	}

	return messages
}

func userMessage(msg llm.Message) goopenai.ChatCompletionMessage {
	if len(msg.Images) == 0 {
		return goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: msg.Content,
		}
	}

	parts := make([]goopenai.ChatMessagePart, 0, len(msg.Images)+1)
	parts = append(parts, goopenai.ChatMessagePart{
		Type: goopenai.ChatMessagePartTypeText,
		Text: msg.Content,
	})
	for _, img := range msg.Images {
		parts = append(parts, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{
				URL: dataURI(img),
			},
		})
	}

	return goopenai.ChatCompletionMessage{
		Role:         goopenai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func dataURI(img llm.Image) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

// classifyError maps go-openai's APIError status codes onto the shared
// error taxonomy so the gateway's retry envelope knows which are worth
// retrying.
func classifyError(err error) error {
	apiErr, ok := err.(*goopenai.APIError)
	if !ok {
		return fmt.Errorf("openai: %w", err)
	}

	switch apiErr.HTTPStatusCode {
	case 429, 500, 502, 503, 504:
		return errs.Classify(errs.KindTransientRemote, fmt.Errorf("openai: %w", err))
	case 400, 401, 403:
		return errs.Classify(errs.KindValidation, fmt.Errorf("openai: %w", err))
	default:
		return fmt.Errorf("openai: API error: %w", err)
	}
}
