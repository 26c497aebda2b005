package dispatch

import (
	"context"
	"fmt"

	"github.com/corewire/dispatch/pkg/model"
)

// Terminal is the innermost call a middleware chain eventually reaches:
// either message_pipeline (outer chain) or handler_call (inner chain).
type Terminal func(ctx context.Context, metadata model.Metadata, data map[string]any) error

// Middleware may inspect or mutate data before calling next to continue the
// chain. Not calling next short-circuits the chain; the result of the last
// invoked link is returned to the caller.
type Middleware func(ctx context.Context, next Terminal, metadata model.Metadata, data map[string]any) error

type middlewareBinding struct {
	mw      Middleware
	filters []Filter
}

// MiddlewareManager composes an ordered chain of filter-gated middlewares
// around a terminal call. The dispatcher owns two independent instances:
// outer (runs before route lookup) and inner (runs after route lookup, see
// only the concrete handler target).
type MiddlewareManager struct {
	bindings []middlewareBinding
}

// NewMiddlewareManager returns an empty manager.
func NewMiddlewareManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Use registers a middleware, gated by filters, as the new innermost-so-far
// link: middlewares compose in registration order, first-registered
// outermost.
func (m *MiddlewareManager) Use(mw Middleware, filters ...Filter) error {
	if mw == nil {
		return fmt.Errorf("%w: middleware is nil", ErrRegistration)
	}
	normalized, err := normalizeFilters(filters)
	if err != nil {
		return err
	}
	m.bindings = append(m.bindings, middlewareBinding{mw: mw, filters: normalized})
	return nil
}

// Processing returns a single Terminal that, when invoked, runs every
// middleware whose filters match this metadata, composed in registration
// order, terminating in terminal. Middlewares whose filters do not match
// are skipped entirely — equivalent to never having registered them for
// this message (spec.md §8, Laws).
func (m *MiddlewareManager) Processing(terminal Terminal) Terminal {
	chain := terminal
	for i := len(m.bindings) - 1; i >= 0; i-- {
		binding := m.bindings[i]
		next := chain
		chain = func(ctx context.Context, metadata model.Metadata, data map[string]any) error {
			ok, err := evaluateFilters(ctx, binding.filters, metadata, data)
			if err != nil {
				return err
			}
			if !ok {
				return next(ctx, metadata, data)
			}
			return binding.mw(ctx, next, metadata, data)
		}
	}
	return chain
}
