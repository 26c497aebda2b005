// Package broker defines the contract between a durable pub/sub transport
// and the dispatch core, plus reference adapters. Decoding the wire format
// and acknowledging delivery live here; the core (pkg/dispatch) only ever
// sees decoded Go values and ack/nack callbacks, per spec.md §1's "broker
// client ... out of scope" boundary.
package broker

import (
	"context"

	"github.com/corewire/dispatch/pkg/dispatch"
)

// Broker is the contract an adapter satisfies: a durable, at-least-once
// subject that yields decoded frames and lets the caller commit (Ack) or
// decline (Nack) each one. Nack (or letting the frame's visibility timeout
// elapse without an Ack) causes redelivery — the back-pressure primitive
// spec.md §4.8 relies on.
type Broker interface {
	// Frames returns a channel of decoded frames. The channel is closed
	// when the broker's subscription ends (context cancellation, or a
	// fatal transport error after the adapter has logged it).
	Frames(ctx context.Context) <-chan dispatch.Frame

	// Publish sends a raw payload to the subject. Used by test harnesses
	// and by service-message originators that aren't the dispatcher
	// itself (e.g. an operator CLI issuing a CLOSING command).
	Publish(ctx context.Context, payload map[string]any) error

	// Close releases the broker's underlying connection.
	Close() error
}
