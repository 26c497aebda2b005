package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/dispatch/pkg/model"
)

func TestNewPool_NegativeSizeIsRejected(t *testing.T) {
	_, err := NewPool(-1)
	assert.ErrorIs(t, err, ErrPoolCapacityRequired)
}

func TestNewPool_ZeroIsUnbounded(t *testing.T) {
	p, err := NewPool(0)
	require.NoError(t, err)
	assert.False(t, p.Full())
	assert.Equal(t, 0, p.MaxSize())
}

func TestPool_InsertAndRemove(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)

	_, err = p.insert(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, p.Contains("task-1"))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, model.StatusRunning, p.Status("task-1"))

	p.remove("task-1", nil)
	assert.False(t, p.Contains("task-1"))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, model.StatusUnknown, p.Status("task-1"))
}

func TestPool_InsertDuplicateIsRejected(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)

	_, err = p.insert(context.Background(), "task-1")
	require.NoError(t, err)

	_, err = p.insert(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestPool_InsertBeyondCapacityIsRejected(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	_, err = p.insert(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, p.Full())

	_, err = p.insert(context.Background(), "task-2")
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestPool_CancelRunningTask(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	taskCtx, err := p.insert(context.Background(), "task-1")
	require.NoError(t, err)

	ok := p.cancel("task-1")
	assert.True(t, ok)
	<-taskCtx.Done()
	assert.ErrorIs(t, taskCtx.Err(), context.Canceled)
}

func TestPool_CancelUnknownUUIDReturnsFalse(t *testing.T) {
	p, err := NewPool(0)
	require.NoError(t, err)
	assert.False(t, p.cancel("nonexistent"))
}

func TestPool_CancelledParentCancelsTaskContext(t *testing.T) {
	p, err := NewPool(0)
	require.NoError(t, err)

	parent, cancelParent := context.WithCancel(context.Background())
	taskCtx, err := p.insert(parent, "task-1")
	require.NoError(t, err)

	cancelParent()
	<-taskCtx.Done()
	assert.ErrorIs(t, taskCtx.Err(), context.Canceled)
}
