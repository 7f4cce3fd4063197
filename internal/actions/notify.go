package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// WebhookConfig configures the notify.webhook action.
type WebhookConfig struct {
	DefaultTimeout  time.Duration
	MaxResponseBody int64
}

const (
	defaultWebhookTimeout  = 15 * time.Second
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
)

const webhookParamSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "timeout": {"type": "string"},
    "include_context": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// webhookAction POSTs the payload to an external URL. Delivery is a
// side effect only: the payload always flows through unchanged, and a
// delivery failure never aborts the pipeline (non-critical). Marked
// ShouldQueue because it does network I/O.
type webhookAction struct {
	config WebhookConfig
}

// NewWebhookAction creates the notify.webhook action.
func NewWebhookAction(cfg WebhookConfig) Action {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &webhookAction{config: cfg}
}

func (a *webhookAction) Name() string      { return "notify.webhook" }
func (a *webhookAction) Critical() bool    { return false }
func (a *webhookAction) ShouldQueue() bool { return true }

func (a *webhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "POST the payload as JSON to a webhook URL. Side effect only; the payload passes through unchanged.",
		ParamSchema: json.RawMessage(webhookParamSchema),
	}
}

func (a *webhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify.webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "notify.webhook: invalid url %q", rawURL)
	}
	return nil
}

func (a *webhookAction) Execute(ctx context.Context, input ActionInput) (string, error) {
	rawURL := stringParam(input.Params, "url", "")

	timeout := a.config.DefaultTimeout
	if ts := stringParam(input.Params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	body := map[string]any{
		"payload": input.Data,
	}
	if boolParam(input.Params, "include_context", false) {
		body["context"] = input.Context
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"notify.webhook: marshal body: %s", err.Error()).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, strings.NewReader(string(encoded)))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"notify.webhook: build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if hdrs, ok := input.Params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"notify.webhook: delivery failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, a.config.MaxResponseBody))

	if resp.StatusCode >= 400 {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"notify.webhook: endpoint returned %d", resp.StatusCode)
	}

	// Pass-through: delivery never alters the payload.
	return input.Data, nil
}
