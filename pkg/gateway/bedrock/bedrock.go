// Package bedrock implements gateway.Backend against AWS Bedrock's
// InvokeModel API, covering the Claude, Titan, and Llama model families.
// Only Claude models accept the multimodal image content blocks a grading
// page image needs, so non-Claude models silently drop any attached
// images rather than failing a request that happens to carry them.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/registry"
)

func init() {
	gateway.Backends.Register("bedrock", func(cfg registry.Config) (gateway.Backend, error) {
		model, err := registry.RequireString(cfg, "model")
		if err != nil {
			return nil, fmt.Errorf("bedrock backend: %w", err)
		}
		region, err := registry.RequireString(cfg, "region")
		if err != nil {
			return nil, fmt.Errorf("bedrock backend: %w", err)
		}
		return New(context.Background(), Options{
			Model:    model,
			Region:   region,
			Endpoint: registry.GetString(cfg, "endpoint", ""),
		})
	})
}

// Options configures a Backend.
type Options struct {
	Region   string
	Model    string
	Endpoint string // optional, for testing against a local stub
}

// Backend is a gateway.Backend backed by AWS Bedrock.
type Backend struct {
	client  *bedrockruntime.Client
	modelID string
}

// New builds a Backend, resolving AWS credentials via the SDK's default
// credential chain (environment, shared config, instance role, ...).
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("bedrock: model is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("bedrock: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	var clientOpts []func(*bedrockruntime.Options)
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}

	return &Backend{
		client:  bedrockruntime.NewFromConfig(awsCfg, clientOpts...),
		modelID: opts.Model,
	}, nil
}

func (b *Backend) Name() string { return "bedrock:" + b.modelID }

// Call sends req's conversation to Bedrock and returns the parsed text and
// token usage.
func (b *Backend) Call(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	var body []byte
	var err error

	switch {
	case strings.HasPrefix(b.modelID, "anthropic.claude"):
		body, err = b.buildClaudeRequest(req)
	case strings.HasPrefix(b.modelID, "amazon.titan"):
		body, err = b.buildTitanRequest(req)
	case strings.HasPrefix(b.modelID, "meta.llama"):
		body, err = b.buildLlamaRequest(req)
	default:
		return gateway.Response{}, fmt.Errorf("bedrock: unsupported model family: %s", b.modelID)
	}
	if err != nil {
		return gateway.Response{}, fmt.Errorf("bedrock: failed to build request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return gateway.Response{}, classifyError(err)
	}

	switch {
	case strings.HasPrefix(b.modelID, "anthropic.claude"):
		return parseClaudeResponse(out.Body)
	case strings.HasPrefix(b.modelID, "amazon.titan"):
		return parseTitanResponse(out.Body)
	default:
		return parseLlamaResponse(out.Body)
	}
}

func (b *Backend) buildClaudeRequest(req gateway.Request) ([]byte, error) {
	conv := req.Conversation
	messages := make([]map[string]any, 0, len(conv.Turns)*2)

	for _, turn := range conv.Turns {
		messages = append(messages, map[string]any{
			"role":    "user",
			"content": claudeContentBlocks(turn.Prompt),
		})
		if turn.Response != nil {
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": turn.Response.Content,
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
		"temperature":       req.Temperature,
	}
	if conv.System != nil {
		body["system"] = conv.System.Content
	}

	return json.Marshal(body)
}

// claudeContentBlocks renders a prompt message's text and any attached page
// images as Claude's multimodal content-block array.
func claudeContentBlocks(msg llm.Message) []map[string]any {
	blocks := make([]map[string]any, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "text",
		"text": msg.Content,
	})
	return blocks
}

func parseClaudeResponse(raw []byte) (gateway.Response, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return gateway.Response{}, fmt.Errorf("bedrock: failed to parse claude response: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return gateway.Response{
		Text: text.String(),
		Usage: gateway.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// buildTitanRequest flattens the conversation to a single prompt; Titan has
// no multimodal or multi-turn structured input.
func (b *Backend) buildTitanRequest(req gateway.Request) ([]byte, error) {
	prompt := flattenPrompt(req.Conversation)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := map[string]any{
		"inputText": prompt,
		"textGenerationConfig": map[string]any{
			"maxTokenCount": maxTokens,
			"temperature":   req.Temperature,
		},
	}
	return json.Marshal(body)
}

func parseTitanResponse(raw []byte) (gateway.Response, error) {
	var resp struct {
		InputTextTokenCount int `json:"inputTextTokenCount"`
		Results             []struct {
			OutputText     string `json:"outputText"`
			TokenCount     int    `json:"tokenCount"`
			CompletionReason string `json:"completionReason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return gateway.Response{}, fmt.Errorf("bedrock: failed to parse titan response: %w", err)
	}
	if len(resp.Results) == 0 {
		return gateway.Response{}, fmt.Errorf("bedrock: no results in titan response")
	}
	return gateway.Response{
		Text: resp.Results[0].OutputText,
		Usage: gateway.Usage{
			InputTokens:  resp.InputTextTokenCount,
			OutputTokens: resp.Results[0].TokenCount,
		},
	}, nil
}

func (b *Backend) buildLlamaRequest(req gateway.Request) ([]byte, error) {
	conv := req.Conversation
	var prompt strings.Builder
	if conv.System != nil {
		fmt.Fprintf(&prompt, "<s>[INST] <<SYS>>\n%s\n<</SYS>>\n\n", conv.System.Content)
	} else {
		prompt.WriteString("<s>[INST] ")
	}
	for i, turn := range conv.Turns {
		if i > 0 && turn.Response != nil {
			prompt.WriteString("<s>[INST] ")
		}
		prompt.WriteString(turn.Prompt.Content)
		if turn.Response != nil {
			fmt.Fprintf(&prompt, " [/INST] %s </s>", turn.Response.Content)
		} else {
			prompt.WriteString(" [/INST]")
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := map[string]any{
		"prompt":      prompt.String(),
		"max_gen_len": maxTokens,
		"temperature": req.Temperature,
	}
	return json.Marshal(body)
}

func parseLlamaResponse(raw []byte) (gateway.Response, error) {
	var resp struct {
		Generation           string `json:"generation"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return gateway.Response{}, fmt.Errorf("bedrock: failed to parse llama response: %w", err)
	}
	return gateway.Response{
		Text: resp.Generation,
		Usage: gateway.Usage{
			InputTokens:  resp.PromptTokenCount,
			OutputTokens: resp.GenerationTokenCount,
		},
	}, nil
}

func flattenPrompt(conv *llm.Conversation) string {
	var prompt strings.Builder
	if conv.System != nil {
		prompt.WriteString(conv.System.Content)
		prompt.WriteString("\n\n")
	}
	for _, turn := range conv.Turns {
		prompt.WriteString("User: ")
		prompt.WriteString(turn.Prompt.Content)
		prompt.WriteString("\n")
		if turn.Response != nil {
			prompt.WriteString("Assistant: ")
			prompt.WriteString(turn.Response.Content)
			prompt.WriteString("\n")
		}
	}
	if !strings.HasSuffix(prompt.String(), "Assistant:") {
		prompt.WriteString("Assistant:")
	}
	return prompt.String()
}

// classifyError maps Bedrock's string-encoded exception types onto the
// shared error taxonomy so the gateway's retry envelope knows which are
// worth retrying.
func classifyError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "ThrottlingException"), strings.Contains(msg, "TooManyRequestsException"):
		return errs.Classify(errs.KindTransientRemote, fmt.Errorf("bedrock: rate limit exceeded: %w", err))
	case strings.Contains(msg, "ServiceUnavailableException"), strings.Contains(msg, "InternalServerException"):
		return errs.Classify(errs.KindTransientRemote, fmt.Errorf("bedrock: service error: %w", err))
	case strings.Contains(msg, "AccessDeniedException"), strings.Contains(msg, "UnauthorizedException"):
		return errs.Classify(errs.KindValidation, fmt.Errorf("bedrock: authentication error: %w", err))
	case strings.Contains(msg, "ValidationException"):
		return errs.Classify(errs.KindValidation, fmt.Errorf("bedrock: invalid request: %w", err))
	default:
		return fmt.Errorf("bedrock: API error: %w", err)
	}
}
