package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestStaticInvoker(t *testing.T) {
	inv := NewStaticInvoker()
	inv.Handle("research", func(_ context.Context, payload string, _ InvokeOptions) (string, error) {
		return "findings for: " + payload, nil
	})
	inv.Handle("writer", func(_ context.Context, payload string, _ InvokeOptions) (string, error) {
		return strings.ToUpper(payload), nil
	})

	assert.True(t, inv.Supports("research"))
	assert.False(t, inv.Supports("ghost"))
	assert.Equal(t, []string{"research", "writer"}, inv.Capabilities())

	out, err := inv.Invoke(context.Background(), "research", "topic", InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "findings for: topic", out)
}

func TestStaticInvoker_UnknownCapability(t *testing.T) {
	inv := NewStaticInvoker()
	_, err := inv.Invoke(context.Background(), "ghost", "x", InvokeOptions{})
	require.Error(t, err)

	var ensErr *schema.EnsembleError
	require.True(t, errors.As(err, &ensErr))
	assert.Equal(t, schema.ErrCodeCapabilityUnavailable, ensErr.Code)
}

func TestNewOpenAIInvoker_ConfigValidation(t *testing.T) {
	_, err := NewOpenAIInvoker(OpenAIConfig{})
	require.Error(t, err)

	_, err = NewOpenAIInvoker(OpenAIConfig{APIKey: "sk-test"})
	require.Error(t, err)

	inv, err := NewOpenAIInvoker(OpenAIConfig{
		APIKey:       "sk-test",
		DefaultModel: "gpt-4o-mini",
		Capabilities: map[string]Capability{
			"research": {SystemPrompt: "You are a researcher."},
			"writer":   {Model: "gpt-4o"},
		},
	})
	require.NoError(t, err)
	assert.True(t, inv.Supports("research"))
	assert.False(t, inv.Supports("planner"))
	assert.Equal(t, []string{"research", "writer"}, inv.Capabilities())
}
