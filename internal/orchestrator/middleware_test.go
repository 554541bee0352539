package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/maestro"
)

func TestChain_RunsInRegistrationOrderAndUnwindsInReverse(t *testing.T) {
	var trace []string
	mw := func(name string) maestro.Middleware {
		return func(ctx context.Context, wctx *maestro.WorkflowContext, next func() (any, error)) (any, error) {
			trace = append(trace, name+":in")
			out, err := next()
			trace = append(trace, name+":out")
			return out, err
		}
	}

	wctx := &maestro.WorkflowContext{Context: context.Background()}
	terminal := func() (any, error) {
		trace = append(trace, "handler")
		return "ok", nil
	}

	out, err := Chain(context.Background(), wctx, []maestro.Middleware{mw("a"), mw("b")}, terminal)()
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"a:in", "b:in", "handler", "b:out", "a:out"}, trace)
}

func TestChain_MiddlewareCanSuppressNext(t *testing.T) {
	called := false
	suppressor := func(ctx context.Context, wctx *maestro.WorkflowContext, next func() (any, error)) (any, error) {
		return "short-circuited", nil
	}
	terminal := func() (any, error) {
		called = true
		return "never", nil
	}

	out, err := Chain(context.Background(), &maestro.WorkflowContext{}, []maestro.Middleware{suppressor}, terminal)()
	require.NoError(t, err)
	assert.Equal(t, "short-circuited", out)
	assert.False(t, called)
}

func TestChain_EmptyMiddlewareCallsTerminalDirectly(t *testing.T) {
	terminal := func() (any, error) { return "direct", nil }
	out, err := Chain(context.Background(), &maestro.WorkflowContext{}, nil, terminal)()
	require.NoError(t, err)
	assert.Equal(t, "direct", out)
}
