package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/dispatch/pkg/model"
)

func newTestDispatcher(t *testing.T, poolSize int) *Dispatcher {
	t.Helper()
	d, err := New(Config{PoolSize: poolSize})
	require.NoError(t, err)
	return d
}

func TestDispatcher_Listen_TaskRunsRegisteredHandler(t *testing.T) {
	d := newTestDispatcher(t, 0)
	done := make(chan map[string]any, 1)
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		done <- b.Metadata.(*model.TaskMessage).Data
		return nil
	}, Timeouts{}, FieldTruthy("GREET")))

	err := d.Listen(context.Background(), &model.TaskMessage{
		UUID: "u1", TypeEvent: "GREET", Data: map[string]any{"name": "alice"},
	})
	require.NoError(t, err)

	select {
	case data := <-done:
		assert.Equal(t, "alice", data["name"])
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatcher_Listen_UnroutedTaskStillAdmitsThenFails(t *testing.T) {
	d := newTestDispatcher(t, 0)
	err := d.Listen(context.Background(), &model.TaskMessage{UUID: "u1", TypeEvent: "NOPE"})
	// Admission succeeds (ErrHandlerNotFound surfaces from the pipeline
	// goroutine, not from Listen itself); wait for the pool to drain.
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !d.Pool.Contains("u1") }, time.Second, time.Millisecond)
}

func TestDispatcher_Listen_PoolFullRejectsTask(t *testing.T) {
	d := newTestDispatcher(t, 1)
	release := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		<-release
		return nil
	}, Timeouts{}, Always))

	require.NoError(t, d.Listen(context.Background(), &model.TaskMessage{UUID: "u1", TypeEvent: "X"}))
	require.Eventually(t, func() bool { return d.Pool.Contains("u1") }, time.Second, time.Millisecond)

	err := d.Listen(context.Background(), &model.TaskMessage{UUID: "u2", TypeEvent: "X"})
	assert.ErrorIs(t, err, ErrPoolFull)
	close(release)
}

func TestDispatcher_ServiceMessage_GetStatusDoesNotConsumeCapacity(t *testing.T) {
	d := newTestDispatcher(t, 1)
	require.NoError(t, d.Listen(context.Background(), &model.ServiceMessage{UUID: "u1", Command: model.CommandGetStatus}))
	assert.Equal(t, 0, d.Pool.Len())
}

func TestDispatcher_ServiceMessage_ClosingCancelsRunningTask(t *testing.T) {
	d := newTestDispatcher(t, 0)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, Timeouts{}, Always))

	require.NoError(t, d.Listen(context.Background(), &model.TaskMessage{UUID: "u1", TypeEvent: "X"}))
	<-started

	require.NoError(t, d.Listen(context.Background(), &model.ServiceMessage{UUID: "u1", Command: model.CommandClosing}))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("CLOSING never cancelled the running task")
	}
}

func TestDispatcher_ServiceMessage_ClosingUnknownUUIDIsNotAnError(t *testing.T) {
	d := newTestDispatcher(t, 0)
	assert.NotPanics(t, func() {
		_ = d.Listen(context.Background(), &model.ServiceMessage{UUID: "ghost", Command: model.CommandClosing})
	})
}

func TestDispatcher_OuterMiddleware_RunsBeforeRouting(t *testing.T) {
	d := newTestDispatcher(t, 0)
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	require.NoError(t, d.Outer.Use(func(ctx context.Context, next Terminal, metadata model.Metadata, data map[string]any) error {
		record("outer")
		return next(ctx, metadata, data)
	}))
	require.NoError(t, d.Inner.Use(func(ctx context.Context, next Terminal, metadata model.Metadata, data map[string]any) error {
		record("inner")
		return next(ctx, metadata, data)
	}))

	done := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		record("handler")
		close(done)
		return nil
	}, Timeouts{}, Always))

	require.NoError(t, d.Listen(context.Background(), &model.TaskMessage{UUID: "u1", TypeEvent: "X"}))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestDispatcher_ProcessContextCancellationPropagatesToTask(t *testing.T) {
	d := newTestDispatcher(t, 0)
	cancelledCh := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		<-ctx.Done()
		close(cancelledCh)
		return ctx.Err()
	}, Timeouts{}, Always))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Listen(ctx, &model.TaskMessage{UUID: "u1", TypeEvent: "X"}))
	cancel()

	select {
	case <-cancelledCh:
	case <-time.After(time.Second):
		t.Fatal("ambient process cancellation never reached the task")
	}
}

func TestDispatcher_Metrics_CountAdmittedAndCompleted(t *testing.T) {
	d := newTestDispatcher(t, 0)
	done := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		close(done)
		return nil
	}, Timeouts{}, Always))

	require.NoError(t, d.Listen(context.Background(), &model.TaskMessage{UUID: "u1", TypeEvent: "X"}))
	<-done

	require.Eventually(t, func() bool {
		return d.Metrics.Snapshot().Completed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), d.Metrics.Snapshot().Admitted)
}
