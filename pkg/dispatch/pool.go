package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/corewire/dispatch/pkg/model"
)

// taskFuture is the cancellable future a pool entry holds. cancel requests
// termination of the task's context, triggered by a CLOSING service message
// (a close timer cancels the handler's own derived context instead, see
// boundHandler.invoke); the dispatcher's own goroutine observes completion and
// drives remove, so the pool itself tracks nothing beyond cancellability.
type taskFuture struct {
	cancel context.CancelFunc
}

// Pool is the bounded mapping from task uuid to its running future.
// Insertions come from the dispatcher's admission path, removals from each
// task's own goroutine on completion, and reads from service-message
// handling and the admin surface; a single mutex guards all of them — a
// mutex, not a full actor, suffices in Go.
type Pool struct {
	mu      sync.Mutex
	tasks   map[string]*taskFuture
	maxSize int
}

// NewPool constructs a bounded pool. maxSize must be supplied explicitly: 0
// means unbounded, any negative value is a configuration error, matching
// spec.md §4.6 ("a null/undefined capacity is a configuration error").
func NewPool(maxSize int) (*Pool, error) {
	if maxSize < 0 {
		return nil, fmt.Errorf("%w: %w: got %d", ErrRegistration, ErrPoolCapacityRequired, maxSize)
	}
	return &Pool{tasks: make(map[string]*taskFuture), maxSize: maxSize}, nil
}

// Full reports whether the pool is at capacity. maxSize == 0 means
// unbounded and Full is always false.
func (p *Pool) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full()
}

func (p *Pool) full() bool {
	return p.maxSize > 0 && len(p.tasks) >= p.maxSize
}

// MaxSize returns the pool's configured capacity (0 means unbounded).
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Len returns the number of in-flight tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Contains reports whether uuid currently occupies a pool slot.
func (p *Pool) Contains(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[uuid]
	return ok
}

// Status mirrors the GET_STATUS service message's semantics: RUNNING if
// uuid is in the pool, UNKNOWN otherwise.
func (p *Pool) Status(uuid string) model.TaskStatus {
	if p.Contains(uuid) {
		return model.StatusRunning
	}
	return model.StatusUnknown
}

// insert admits uuid if the pool is not full, returning ErrPoolFull
// otherwise, and ErrDuplicateTask if uuid is already running. The returned
// context is cancelled by a later call to cancel(uuid); the caller must
// arrange for remove(uuid) to run on completion — insert itself never
// removes anything.
func (p *Pool) insert(ctx context.Context, uuid string) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[uuid]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, uuid)
	}
	if p.full() {
		return nil, ErrPoolFull
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.tasks[uuid] = &taskFuture{cancel: cancel}
	return taskCtx, nil
}

// remove drops uuid from the pool. It is the completion hook attached at
// insertion time (spec.md §4.6) and must run exactly once per admitted
// task, whether it finished, failed, or was cancelled. err is accepted for
// symmetry with callers that classify outcomes but is not itself retained.
func (p *Pool) remove(uuid string, err error) {
	p.mu.Lock()
	delete(p.tasks, uuid)
	p.mu.Unlock()
}

// cancel requests cancellation of the running future for uuid, returning
// false if uuid is not currently in the pool (the CLOSING no-op case from
// spec.md §9, open question (a)).
func (p *Pool) cancel(uuid string) bool {
	p.mu.Lock()
	future, ok := p.tasks[uuid]
	p.mu.Unlock()
	if !ok {
		return false
	}
	future.cancel()
	return true
}
