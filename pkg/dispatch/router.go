package dispatch

import (
	"context"
	"fmt"

	"github.com/corewire/dispatch/pkg/model"
)

// HandlerFactory produces the Handler instance for one dispatched task. The
// callable form of registration wraps a plain HandlerFunc into a factory
// that returns the same shared instance every time; the class form (a
// constructor) returns a fresh instance per call, matching spec.md §4.2's
// "same factory is instantiated fresh per task (class variant) or shared
// (callable variant)".
type HandlerFactory func(metadata model.Metadata, data map[string]any) (Handler, error)

type handlerBinding struct {
	factory  HandlerFactory
	timeouts Timeouts
	filters  []Filter
}

type routerBinding struct {
	router  *Router
	filters []Filter
}

// Router is a node in the handler-lookup tree. Both handler bindings and
// child routers are gated by filter tuples and searched in the order they
// were registered, so configuration order is dispatch precedence.
type Router struct {
	handlers []handlerBinding
	children []routerBinding
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// IncludeRouter registers a child router, gated by filters. An empty filter
// tuple always matches.
func (r *Router) IncludeRouter(child *Router, filters ...Filter) error {
	if child == nil {
		return fmt.Errorf("%w: IncludeRouter child is nil", ErrRegistration)
	}
	normalized, err := normalizeFilters(filters)
	if err != nil {
		return err
	}
	r.children = append(r.children, routerBinding{router: child, filters: normalized})
	return nil
}

// IncludeHandler wraps a bare callable into a Handler and registers it,
// gated by filters, with the given timeouts.
func (r *Router) IncludeHandler(fn HandlerFunc, timeouts Timeouts, filters ...Filter) error {
	if fn == nil {
		return fmt.Errorf("%w: IncludeHandler function is nil", ErrRegistration)
	}
	if err := validateTimeouts(timeouts); err != nil {
		return err
	}
	normalized, err := normalizeFilters(filters)
	if err != nil {
		return err
	}
	r.handlers = append(r.handlers, handlerBinding{
		factory:  func(model.Metadata, map[string]any) (Handler, error) { return fn, nil },
		timeouts: timeouts,
		filters:  normalized,
	})
	return nil
}

// IncludeClassHandler registers a factory that constructs a fresh Handler
// per dispatched task (the "class" variant of spec.md §4.2), gated by
// filters, with the given timeouts.
func (r *Router) IncludeClassHandler(factory HandlerFactory, timeouts Timeouts, filters ...Filter) error {
	if factory == nil {
		return fmt.Errorf("%w: IncludeClassHandler factory is nil", ErrRegistration)
	}
	if err := validateTimeouts(timeouts); err != nil {
		return err
	}
	normalized, err := normalizeFilters(filters)
	if err != nil {
		return err
	}
	r.handlers = append(r.handlers, handlerBinding{factory: factory, timeouts: timeouts, filters: normalized})
	return nil
}

func validateTimeouts(t Timeouts) error {
	if t.ExecutionTimeout < 0 || t.CloseTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrRegistration)
	}
	return nil
}

// FindHandler runs the depth-first search of spec.md §4.4 starting at r: own
// handler bindings first in insertion order, then child routers in
// insertion order. It is only meaningful called on the root router — that
// is the only level that escalates a miss to ErrHandlerNotFound; recursive
// calls on children return (nil, Timeouts{}, nil) on a miss.
func (r *Router) FindHandler(ctx context.Context, metadata model.Metadata, data map[string]any) (HandlerFactory, Timeouts, error) {
	factory, timeouts, err := r.findHandler(ctx, metadata, data)
	if err != nil {
		return nil, Timeouts{}, err
	}
	if factory == nil {
		return nil, Timeouts{}, ErrHandlerNotFound
	}
	return factory, timeouts, nil
}

func (r *Router) findHandler(ctx context.Context, metadata model.Metadata, data map[string]any) (HandlerFactory, Timeouts, error) {
	for _, hb := range r.handlers {
		ok, err := evaluateFilters(ctx, hb.filters, metadata, data)
		if err != nil {
			return nil, Timeouts{}, err
		}
		if ok {
			return hb.factory, hb.timeouts, nil
		}
	}

	for _, cb := range r.children {
		ok, err := evaluateFilters(ctx, cb.filters, metadata, data)
		if err != nil {
			return nil, Timeouts{}, err
		}
		if !ok {
			continue
		}
		factory, timeouts, err := cb.router.findHandler(ctx, metadata, data)
		if err != nil {
			return nil, Timeouts{}, err
		}
		if factory != nil {
			return factory, timeouts, nil
		}
	}

	return nil, Timeouts{}, nil
}
