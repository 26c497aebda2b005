package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corewire/dispatch/pkg/logging"
	"github.com/corewire/dispatch/pkg/model"
)

// StreamData is the process-level, read-mostly context bundle the
// dispatcher snapshot-copies per task before middleware runs (spec.md §4,
// "Stream-data bundle"). Mutations middlewares make to the copy never leak
// across tasks.
type StreamData struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStreamData returns an empty bundle.
func NewStreamData() *StreamData {
	return &StreamData{values: make(map[string]any)}
}

// Set assigns a key in the shared bundle. Intended for startup wiring
// (config, shared clients), not per-task mutation — per-task state lives
// in the snapshot handed to middlewares.
func (s *StreamData) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// snapshot returns a shallow copy safe for a single task's middleware chain
// to mutate freely.
func (s *StreamData) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Metrics counts the admission-gate and lifecycle events the admin surface
// reports on (SPEC_FULL.md §4.9). All fields are updated with atomics-free
// mutex protection since updates are infrequent relative to hot paths.
type Metrics struct {
	mu               sync.Mutex
	Admitted         int64
	Completed        int64
	Failed           int64
	Cancelled        int64
	Dropped          int64
	Redelivered      int64
	ServiceProcessed int64
}

func (m *Metrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters for read-only reporting.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Admitted:         m.Admitted,
		Completed:        m.Completed,
		Failed:           m.Failed,
		Cancelled:        m.Cancelled,
		Dropped:          m.Dropped,
		Redelivered:      m.Redelivered,
		ServiceProcessed: m.ServiceProcessed,
	}
}

// Dispatcher composes the root router, the two middleware managers, the
// pool, and the stream-data bundle behind a single ingress, Listen.
type Dispatcher struct {
	Root    *Router
	Outer   *MiddlewareManager
	Inner   *MiddlewareManager
	Pool    *Pool
	Stream  *StreamData
	Metrics *Metrics
	log     *logging.Logger
}

// Config configures a Dispatcher. PoolSize is handed to NewPool: 0, which is
// also the value of an unset field, means unbounded, and a negative size is
// rejected.
type Config struct {
	PoolSize int
	Logger   *logging.Logger
}

// New constructs a Dispatcher with an empty root router and fresh
// middleware managers. Callers register handlers on Root and middlewares on
// Outer/Inner before the first call to Listen; the router and middleware
// state are read-only after that, per spec.md §5.
func New(cfg Config) (*Dispatcher, error) {
	pool, err := NewPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger().WithComponent("dispatch")
	}
	return &Dispatcher{
		Root:    NewRouter(),
		Outer:   NewMiddlewareManager(),
		Inner:   NewMiddlewareManager(),
		Pool:    pool,
		Stream:  NewStreamData(),
		Metrics: &Metrics{},
		log:     log,
	}, nil
}

// Listen is the dispatcher's single ingress. Service messages are processed
// immediately in a detached goroutine and never occupy pool capacity; task
// messages are admitted into the pool and run through the full pipeline.
// Listen returns the admission error (ErrPoolFull, ErrDuplicateTask) for
// task messages so the admission gate can decide whether to ack; it never
// blocks on the task or service body completing.
func (d *Dispatcher) Listen(ctx context.Context, metadata model.Metadata) error {
	switch m := metadata.(type) {
	case *model.ServiceMessage:
		go d.serviceProcessing(context.Background(), m)
		return nil
	case *model.TaskMessage:
		return d.admitTask(ctx, m)
	default:
		return fmt.Errorf("%w: unrecognized metadata type", model.ErrUnknownShape)
	}
}

func (d *Dispatcher) admitTask(ctx context.Context, msg *model.TaskMessage) error {
	// ctx is the ambient process context (cancellation source (c) of §5);
	// CLOSING (source (a)) cancels the derived taskCtx directly via
	// Pool.cancel, and the close timer (source (b)) cancels the handler's
	// own context derived from it inside boundHandler.invoke.
	taskCtx, err := d.Pool.insert(ctx, msg.UUID)
	if err != nil {
		return err
	}
	d.Metrics.inc(&d.Metrics.Admitted)

	go func() {
		err := d.taskPipeline(taskCtx, msg)
		d.Pool.remove(msg.UUID, err)
		d.classifyOutcome(err)
	}()

	return nil
}

func (d *Dispatcher) classifyOutcome(err error) {
	switch {
	case err == nil:
		d.Metrics.inc(&d.Metrics.Completed)
	case isCancelled(err):
		d.Metrics.inc(&d.Metrics.Cancelled)
	default:
		d.Metrics.inc(&d.Metrics.Failed)
	}
}

// taskPipeline implements spec.md §4.7's task_pipeline: snapshot the
// stream-data bundle, then run the outer-middleware chain terminating in
// message_pipeline.
func (d *Dispatcher) taskPipeline(ctx context.Context, msg *model.TaskMessage) error {
	data := d.Stream.snapshot()
	chain := d.Outer.Processing(d.messagePipeline)
	return chain(ctx, msg, data)
}

// messagePipeline implements spec.md §4.7's message_pipeline: look up a
// handler, build the terminal handler_call, and run it through the
// inner-middleware chain.
func (d *Dispatcher) messagePipeline(ctx context.Context, metadata model.Metadata, data map[string]any) error {
	factory, timeouts, err := d.Root.FindHandler(ctx, metadata, data)
	if err != nil {
		return err
	}

	terminal := func(ctx context.Context, metadata model.Metadata, data map[string]any) error {
		return d.handlerCall(ctx, metadata, data, factory, timeouts)
	}
	chain := d.Inner.Processing(terminal)
	return chain(ctx, metadata, data)
}

// handlerCall instantiates the handler (fresh per task for the class form,
// shared for the callable form), populates its uuid, and runs the
// invocation protocol of §4.2.
func (d *Dispatcher) handlerCall(ctx context.Context, metadata model.Metadata, data map[string]any, factory HandlerFactory, timeouts Timeouts) error {
	handler, err := factory(metadata, data)
	if err != nil {
		return fmt.Errorf("handler construction: %w", err)
	}

	bound := &boundHandler{
		uuid:     metadata.TaskUUID(),
		handler:  handler,
		timeouts: timeouts,
		log:      d.log,
	}

	err = bound.invoke(ctx, Bundle{Metadata: metadata, Data: data})
	if err != nil {
		if isCancelled(err) {
			return err
		}
		return &HandlerFailure{UUID: bound.uuid, Err: err}
	}
	return nil
}

// serviceProcessing implements spec.md §4.7's service branch: GET_STATUS
// reads the pool without mutating it, CLOSING cancels the stored future if
// present and warns (not errors) if the uuid is unknown, per the resolved
// open question in spec.md §9.
func (d *Dispatcher) serviceProcessing(ctx context.Context, msg *model.ServiceMessage) {
	d.Metrics.inc(&d.Metrics.ServiceProcessed)
	switch msg.Command {
	case model.CommandGetStatus:
		status := d.Pool.Status(msg.UUID)
		d.log.WithField("uuid", msg.UUID).WithField("status", string(status)).Debug("status query")
	case model.CommandClosing:
		if !d.Pool.cancel(msg.UUID) {
			d.log.WithField("uuid", msg.UUID).Warn("CLOSING for unknown uuid, ignoring")
		}
	default:
		d.log.WithField("command", string(msg.Command)).Warn("unrecognized service command")
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
