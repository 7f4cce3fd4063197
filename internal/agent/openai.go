package agent

import (
	"context"
	"sort"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/rendis/ensemble/pkg/schema"
)

// Capability maps a capability id to a model and system prompt.
type Capability struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float32 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible invoker. Works with
// any endpoint that speaks the OpenAI chat completions API.
type OpenAIConfig struct {
	APIKey       string                `json:"api_key"`
	BaseURL      string                `json:"base_url,omitempty"`
	DefaultModel string                `json:"default_model"`
	MaxRetries   int                   `json:"max_retries"`
	Capabilities map[string]Capability `json:"capabilities"`
}

// OpenAIInvoker runs capabilities as chat completions.
type OpenAIInvoker struct {
	client *openailib.Client
	config OpenAIConfig
}

// NewOpenAIInvoker creates an invoker from config.
func NewOpenAIInvoker(cfg OpenAIConfig) (*OpenAIInvoker, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "openai invoker: missing api key")
	}
	if len(cfg.Capabilities) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "openai invoker: no capabilities configured")
	}

	clientConfig := openailib.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIInvoker{
		client: openailib.NewClientWithConfig(clientConfig),
		config: cfg,
	}, nil
}

func (inv *OpenAIInvoker) Supports(capability string) bool {
	_, ok := inv.config.Capabilities[capability]
	return ok
}

func (inv *OpenAIInvoker) Capabilities() []string {
	out := make([]string, 0, len(inv.config.Capabilities))
	for id := range inv.config.Capabilities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (inv *OpenAIInvoker) Invoke(ctx context.Context, capability, payload string, opts InvokeOptions) (string, error) {
	spec, ok := inv.config.Capabilities[capability]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
			"capability %q not configured", capability)
	}

	model := spec.Model
	if model == "" {
		model = inv.config.DefaultModel
	}
	systemPrompt := spec.SystemPrompt
	if opts.SystemPrompt != "" {
		systemPrompt = opts.SystemPrompt
	}

	var messages []openailib.ChatCompletionMessage
	if systemPrompt != "" {
		messages = append(messages, openailib.ChatCompletionMessage{
			Role:    openailib.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openailib.ChatCompletionMessage{
		Role:    openailib.ChatMessageRoleUser,
		Content: payload,
	})

	req := openailib.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	} else if spec.Temperature > 0 {
		req.Temperature = spec.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	} else if spec.MaxTokens > 0 {
		req.MaxTokens = spec.MaxTokens
	}

	// Retry with linear backoff; respect ctx between attempts.
	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= inv.config.MaxRetries; attempt++ {
		resp, lastErr = inv.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if attempt < inv.config.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return "", schema.NewErrorf(schema.ErrCodeTimeout,
					"capability %s canceled: %s", capability, ctx.Err().Error()).WithCause(ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"capability %s failed after %d retries: %s", capability, inv.config.MaxRetries, lastErr.Error()).
			WithCause(lastErr)
	}

	if len(resp.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"capability %s returned no choices", capability)
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Invoker = (*OpenAIInvoker)(nil)
