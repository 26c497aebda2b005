package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/corewire/dispatch/pkg/logging"
	"github.com/corewire/dispatch/pkg/model"
)

// Frame is the broker-facing unit the admission gate consumes: a decoded
// payload plus the ack/nack callbacks that commit or decline delivery. The
// broker adapter decodes the wire format; the gate only ever sees Go
// values, matching spec.md §1's "broker client ... out of scope".
type Frame struct {
	Payload any
	Ack     func() error
	Nack    func() error
}

// AdmissionGate sits between a Broker's frame stream and Dispatcher.Listen.
// It classifies each payload, decides admission, and acks or withholds the
// ack accordingly (spec.md §4.8). Non-ack is the sole back-pressure
// primitive: the gate never queues a task message itself.
type AdmissionGate struct {
	dispatcher *Dispatcher
	log        *logging.Logger

	seenMu sync.Mutex
	seen   *bloom.BloomFilter
}

// NewAdmissionGate wires a gate in front of d. The bloom filter is sized for
// a modest number of recently-admitted uuids; it is a diagnostic aid only
// (SPEC_FULL.md §DOMAIN STACK) — a probable-redelivery log line, never a
// correctness mechanism. Redelivery correctness rests entirely on the pool
// map.
func NewAdmissionGate(d *Dispatcher, log *logging.Logger) *AdmissionGate {
	if log == nil {
		log = d.log
	}
	return &AdmissionGate{
		dispatcher: d,
		log:        log,
		seen:       bloom.NewWithEstimates(100_000, 0.01),
	}
}

// Process runs one frame through the classify/admit/ack pipeline of
// spec.md §4.8. It never blocks on the resulting task or service body.
func (g *AdmissionGate) Process(ctx context.Context, frame Frame) {
	payload, ok := frame.Payload.(map[string]any)
	if !ok {
		g.log.WithField("error", ErrMalformedPayload.Error()).Warn("dropping")
		g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Dropped)
		g.ack(frame)
		return
	}

	metadata, err := model.Classify(payload)
	if err != nil {
		if errors.Is(err, model.ErrUnknownShape) {
			g.log.WithField("error", err.Error()).Warn("payload matches no known shape, dropping")
			g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Dropped)
			g.ack(frame)
			return
		}
		g.log.WithField("error", err.Error()).Warn("malformed payload, dropping")
		g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Dropped)
		g.ack(frame)
		return
	}

	if task, ok := metadata.(*model.TaskMessage); ok {
		if g.dispatcher.Pool.Full() {
			g.log.WithField("uuid", task.UUID).Debug("pool full, withholding ack for redelivery")
			g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Redelivered)
			return
		}
		g.noteSeen(task.UUID)
	}

	if err := g.dispatcher.Listen(ctx, metadata); err != nil {
		if errors.Is(err, ErrPoolFull) {
			// Lost the race against Full() above: another task was
			// admitted between the check and Listen. Withhold the ack
			// exactly as if Full() had already reported true.
			g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Redelivered)
			return
		}
		g.log.WithField("error", err.Error()).Warn("listen rejected metadata, dropping")
		g.dispatcher.Metrics.inc(&g.dispatcher.Metrics.Dropped)
		g.ack(frame)
		return
	}

	g.ack(frame)
}

func (g *AdmissionGate) ack(frame Frame) {
	if frame.Ack == nil {
		return
	}
	if err := frame.Ack(); err != nil {
		g.log.WithField("error", err.Error()).Warn("ack failed")
	}
}

// noteSeen flags a probable redelivery of a uuid that was already admitted
// once in this process's lifetime, purely for the diagnostic log line
// described in SPEC_FULL.md; it never changes admission outcome.
func (g *AdmissionGate) noteSeen(uuid string) {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if g.seen.TestString(uuid) {
		g.log.WithField("uuid", uuid).Debug("uuid probably seen before (bloom filter), likely a redelivery")
	}
	g.seen.AddString(uuid)
}

// Run drains frames until ctx is cancelled or the channel closes, calling
// Process on each. This is the admission loop cmd/dispatcherd runs against
// a Broker's Frames channel.
func (g *AdmissionGate) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			g.Process(ctx, frame)
		}
	}
}
