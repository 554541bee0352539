package orchestrator

import (
	"context"

	"github.com/maestro-run/maestro/pkg/maestro"
)

// Chain composes middleware into a single invocation wrapping terminal.
// Middleware runs in registration order on the way in and unwinds in
// reverse order on the way out, the standard onion-wrapping shape: the
// first-registered middleware is outermost and sees the call first and
// the result last. A middleware that never calls next suppresses
// terminal (and everything inside it) entirely.
func Chain(ctx context.Context, wctx *maestro.WorkflowContext, mws []maestro.Middleware, terminal func() (any, error)) func() (any, error) {
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		prev := next
		next = func() (any, error) {
			return mw(ctx, wctx, prev)
		}
	}
	return next
}
