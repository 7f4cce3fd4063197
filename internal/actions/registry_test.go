package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name     string
	desc     string
	critical bool
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, input ActionInput) (string, error) {
	return input.Data, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return nil }
func (s *stubAction) Critical() bool                  { return s.critical }
func (s *stubAction) ShouldQueue() bool               { return false }

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{name: "test.action", desc: "A test action"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	require.Error(t, err)

	var ensErr *schema.EnsembleError
	require.True(t, errors.As(err, &ensErr))
	assert.Equal(t, schema.ErrCodeConflict, ensErr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var ensErr *schema.EnsembleError
	require.True(t, errors.As(err, &ensErr))
	assert.Equal(t, schema.ErrCodeValidation, ensErr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{name: ""})
	require.Error(t, err)

	var ensErr *schema.EnsembleError
	require.True(t, errors.As(err, &ensErr))
	assert.Equal(t, schema.ErrCodeValidation, ensErr.Code)
}

func TestRegistry_Resolve_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	got, err := reg.Resolve("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("missing")
	require.Error(t, err)

	var ensErr *schema.EnsembleError
	require.True(t, errors.As(err, &ensErr))
	assert.Equal(t, schema.ErrCodeActionUnavailable, ensErr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "z.action", desc: "last"}))
	require.NoError(t, reg.Register(&stubAction{name: "a.action", desc: "first", critical: true}))
	require.NoError(t, reg.Register(&stubAction{name: "m.action", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.action", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.True(t, infos[0].Critical)
	assert.Equal(t, "m.action", infos[1].Name)
	assert.Equal(t, "z.action", infos[2].Name)
}

func TestRegistry_List_Empty(t *testing.T) {
	reg := NewRegistry()
	infos := reg.List()
	assert.Empty(t, infos)
}

func TestRegistry_Has_False(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("nonexistent"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	// Concurrent registers.
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent." + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(&stubAction{name: name})
		}(i)
	}

	// Concurrent resolves.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Resolve("concurrent.a0")
		}()
	}

	// Concurrent lists.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	deps := testBuiltinDeps(t)
	require.NoError(t, RegisterBuiltins(reg, deps))

	for _, name := range []string{
		"transform.truncate", "transform.prepend", "transform.append",
		"transform.template", "transform.jq",
		"results.consolidate", "notify.webhook",
		"assert.cel", "assert.schema",
	} {
		assert.True(t, reg.Has(name), "missing builtin %s", name)
	}

	// Registering twice must conflict.
	err := RegisterBuiltins(reg, deps)
	require.Error(t, err)
}
