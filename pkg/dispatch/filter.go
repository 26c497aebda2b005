package dispatch

import (
	"context"
	"fmt"

	"github.com/corewire/dispatch/pkg/model"
)

// Filter is a predicate closure over a dispatched message's metadata and
// payload. Registration code builds these with the accessor helpers below
// (FieldTruthy, DataKeyEquals, Always) in place of the source's attribute-path
// expression DSL, per spec.md §9's guidance for strongly-typed languages.
type Filter func(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error)

// Always is the filter every empty registration tuple is normalized to at
// registration time (spec.md §4.3: "an empty tuple registers as (true,)").
func Always(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error) {
	return true, nil
}

// FieldTruthy matches when metadata is a *model.TaskMessage whose TypeEvent
// equals the given value. This is the common case in this repository's
// example wiring (filtering by type_event), expressed as a typed accessor
// predicate rather than a path expression.
func FieldTruthy(typeEvent string) Filter {
	return func(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error) {
		task, ok := metadata.(*model.TaskMessage)
		if !ok {
			return false, nil
		}
		return task.TypeEvent == typeEvent, nil
	}
}

// DataKeyEquals matches when data[key] equals want, using Go equality. It
// stands in for the source's attribute-path expressions that reach into the
// payload rather than the envelope.
func DataKeyEquals(key string, want any) Filter {
	return func(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error) {
		v, present := data[key]
		if !present {
			return false, nil
		}
		return v == want, nil
	}
}

// normalizeFilters is applied at registration time: an empty tuple becomes
// (Always,), and a nil element is a RegistrationError (the Go equivalent of
// "a non-filter element raises a registration error").
func normalizeFilters(filters []Filter) ([]Filter, error) {
	if len(filters) == 0 {
		return []Filter{Always}, nil
	}
	for i, f := range filters {
		if f == nil {
			return nil, fmt.Errorf("%w: filter %d is nil", ErrRegistration, i)
		}
	}
	return filters, nil
}

// evaluateFilters runs every filter in order and short-circuits on the
// first falsy or erroring result, matching §4.3's "all elements must
// evaluate truthy; short-circuit on the first falsy".
func evaluateFilters(ctx context.Context, filters []Filter, metadata model.Metadata, data map[string]any) (bool, error) {
	for _, f := range filters {
		ok, err := f(ctx, metadata, data)
		if err != nil {
			return false, fmt.Errorf("filter evaluation: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
