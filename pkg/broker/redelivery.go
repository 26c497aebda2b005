package broker

import (
	"sync"
	"time"

	"github.com/corewire/dispatch/pkg/dispatch"
)

// RedeliveryRing approximates a durable subject's visibility timeout for
// transports (IPFS PubSub, a bare WebSocket) that have no redelivery of
// their own. Every delivered frame arms a visibility timer; an explicit
// Nack or silence (neither Ack nor Nack called — the admission gate's
// pool-full case) both let the timer fire and redeliver. An Ack cancels the
// timer, matching spec.md §4.8's "a task payload received when the pool is
// full is not ack'd" back-pressure rule. Shared by the ipfspubsub and
// wsbroker adapters, both of which sit on transports with no redelivery of
// their own.
type RedeliveryRing struct {
	mu      sync.Mutex
	delay   time.Duration
	out     chan dispatch.Frame
	pending map[string]*time.Timer
}

// NewRedeliveryRing returns a ring that redelivers an un-acked frame after
// delay, buffering up to buffer frames before Deliver blocks.
func NewRedeliveryRing(delay time.Duration, buffer int) *RedeliveryRing {
	return &RedeliveryRing{
		delay:   delay,
		out:     make(chan dispatch.Frame, buffer),
		pending: make(map[string]*time.Timer),
	}
}

// Deliver pushes a frame onto the output channel and arms its visibility
// timer. ack is the transport's real acknowledgement (a no-op for
// transports, like IPFS PubSub, with no delivery receipt of their own).
func (r *RedeliveryRing) Deliver(id string, payload map[string]any, ack func() error) {
	frame := dispatch.Frame{Payload: payload}
	frame.Ack = func() error {
		r.cancel(id)
		if ack != nil {
			return ack()
		}
		return nil
	}
	frame.Nack = func() error {
		// The visibility timer armed below stays in place and redelivers
		// the frame once the delay elapses.
		return nil
	}

	r.mu.Lock()
	r.pending[id] = time.AfterFunc(r.delay, func() {
		r.redeliverNow(id, payload, ack)
	})
	r.mu.Unlock()

	r.out <- frame
}

func (r *RedeliveryRing) redeliverNow(id string, payload map[string]any, ack func() error) {
	r.mu.Lock()
	if t, exists := r.pending[id]; exists {
		t.Stop()
		delete(r.pending, id)
	}
	r.mu.Unlock()
	r.Deliver(id, payload, ack)
}

func (r *RedeliveryRing) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, exists := r.pending[id]; exists {
		t.Stop()
		delete(r.pending, id)
	}
}

// Frames returns the channel Deliver pushes onto.
func (r *RedeliveryRing) Frames() chan dispatch.Frame {
	return r.out
}

// Close stops every pending timer and closes the frame channel.
func (r *RedeliveryRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.pending {
		t.Stop()
	}
	close(r.out)
}
