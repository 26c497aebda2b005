package dispatch

import (
	"context"
	"time"

	"github.com/corewire/dispatch/pkg/logging"
	"github.com/corewire/dispatch/pkg/model"
)

// Bundle is the argument record passed to a handler's Handle method and to
// its timeout callbacks. It replaces the reflection-based "pass only the
// arguments a signature accepts" trick of the source with an explicit,
// statically typed record: handlers destructure what they need from Data.
type Bundle struct {
	Metadata model.Metadata
	Data     map[string]any
}

// Handler is the capability set every task target exposes, whether it came
// from a registered class-style factory or a bare callable wrapped at
// registration time. The task's uuid is not a field on Handler itself; it
// reaches Handle through Bundle.Metadata.TaskUUID().
type Handler interface {
	Handle(ctx context.Context, b Bundle) error
}

// ExecutionTimeoutCallback is invoked when a handler's soft execution
// deadline elapses. It is advisory: the handler keeps running.
type ExecutionTimeoutCallback func(b Bundle)

// CloseCallback is invoked when a handler's hard close deadline elapses,
// immediately before the handler's context is cancelled.
type CloseCallback func(b Bundle)

// Timeouts bundles the optional execution/close deadlines and their
// callbacks that a handler binding carries. A zero Duration means "no
// timer" for that deadline, matching §4.1's "if timeout is absent".
type Timeouts struct {
	ExecutionTimeout   time.Duration
	OnExecutionTimeout ExecutionTimeoutCallback
	CloseTimeout       time.Duration
	OnClose            CloseCallback
}

// HandlerFunc adapts a bare function into a Handler, giving the callable
// form of registration the same shape as a class-style handler.
type HandlerFunc func(ctx context.Context, b Bundle) error

func (f HandlerFunc) Handle(ctx context.Context, b Bundle) error { return f(ctx, b) }

// boundHandler is the per-task pairing of a Handler instance with the
// Timeouts its binding was registered with. The dispatcher builds one of
// these per dispatched task (§4.2's "instantiated fresh per task").
type boundHandler struct {
	uuid     string
	handler  Handler
	timeouts Timeouts
	log      *logging.Logger
}

// invoke runs the invocation protocol from spec.md §4.2: spawn Handle as a
// cancellable goroutine, arm the execution and close timers, and wait for
// Handle to finish. The execution timer never cancels anything; the close
// timer cancels the handler's context and therefore Handle itself.
func (b *boundHandler) invoke(ctx context.Context, bundle Bundle) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timers := NewTimerManager()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- b.handler.Handle(ctx, bundle)
	}()

	timers.StartTimer(b.timeouts.ExecutionTimeout, func() {
		if b.timeouts.OnExecutionTimeout != nil {
			b.timeouts.OnExecutionTimeout(bundle)
		} else if b.log != nil {
			b.log.Debugf("task %s still running past execution_timeout", b.uuid)
		}
	})

	timers.StartTimer(b.timeouts.CloseTimeout, func() {
		if b.timeouts.OnClose != nil {
			b.timeouts.OnClose(bundle)
		}
		cancel()
	})

	err := <-resultCh
	// The completion hook: Handle is done, so every armed timer for this
	// task is cancelled, win or lose, per §4.2 step 2.
	timers.CancelTimers()
	return err
}
