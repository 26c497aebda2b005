package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/dispatch/pkg/model"
)

func TestAdmissionGate_Process_MalformedPayloadDropsAndAcks(t *testing.T) {
	d := newTestDispatcher(t, 0)
	g := NewAdmissionGate(d, nil)

	var acked bool
	g.Process(context.Background(), Frame{
		Payload: "not a map",
		Ack:     func() error { acked = true; return nil },
	})

	assert.True(t, acked)
	assert.Equal(t, int64(1), d.Metrics.Snapshot().Dropped)
}

func TestAdmissionGate_Process_UnknownShapeDropsAndAcks(t *testing.T) {
	d := newTestDispatcher(t, 0)
	g := NewAdmissionGate(d, nil)

	var acked bool
	g.Process(context.Background(), Frame{
		Payload: map[string]any{"nonsense": true},
		Ack:     func() error { acked = true; return nil },
	})

	assert.True(t, acked)
	assert.Equal(t, int64(1), d.Metrics.Snapshot().Dropped)
}

func TestAdmissionGate_Process_ValidTaskIsAckedAndDispatched(t *testing.T) {
	d := newTestDispatcher(t, 0)
	done := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		close(done)
		return nil
	}, Timeouts{}, Always))
	g := NewAdmissionGate(d, nil)

	var acked bool
	g.Process(context.Background(), Frame{
		Payload: map[string]any{"uuid": "u1", "type_event": "X"},
		Ack:     func() error { acked = true; return nil },
	})

	assert.True(t, acked)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("admitted task never ran")
	}
}

func TestAdmissionGate_Process_PoolFullWithholdsAck(t *testing.T) {
	d := newTestDispatcher(t, 1)
	release := make(chan struct{})
	require.NoError(t, d.Root.IncludeHandler(func(ctx context.Context, b Bundle) error {
		<-release
		return nil
	}, Timeouts{}, Always))
	g := NewAdmissionGate(d, nil)

	g.Process(context.Background(), Frame{
		Payload: map[string]any{"uuid": "u1", "type_event": "X"},
		Ack:     func() error { return nil },
	})
	require.Eventually(t, func() bool { return d.Pool.Full() }, time.Second, time.Millisecond)

	var secondAcked bool
	g.Process(context.Background(), Frame{
		Payload: map[string]any{"uuid": "u2", "type_event": "X"},
		Ack:     func() error { secondAcked = true; return nil },
	})

	assert.False(t, secondAcked, "a task offered to a full pool must not be acked")
	assert.Equal(t, int64(1), d.Metrics.Snapshot().Redelivered)
	close(release)
}

func TestAdmissionGate_Process_ServiceMessageIsAcked(t *testing.T) {
	d := newTestDispatcher(t, 0)
	g := NewAdmissionGate(d, nil)

	var acked bool
	g.Process(context.Background(), Frame{
		Payload: map[string]any{"uuid": "u1", "command": "GET_STATUS"},
		Ack:     func() error { acked = true; return nil },
	})

	assert.True(t, acked)
}

func TestAdmissionGate_Process_NilAckIsSafe(t *testing.T) {
	d := newTestDispatcher(t, 0)
	g := NewAdmissionGate(d, nil)
	assert.NotPanics(t, func() {
		g.Process(context.Background(), Frame{Payload: "garbage"})
	})
}

func TestAdmissionGate_Run_DrainsUntilChannelCloses(t *testing.T) {
	d := newTestDispatcher(t, 0)
	g := NewAdmissionGate(d, nil)

	frames := make(chan Frame, 1)
	ackCh := make(chan struct{}, 1)
	frames <- Frame{
		Payload: map[string]any{"uuid": "u1", "command": "GET_STATUS"},
		Ack:     func() error { ackCh <- struct{}{}; return nil },
	}
	close(frames)

	done := make(chan struct{})
	go func() {
		g.Run(context.Background(), frames)
		close(done)
	}()

	select {
	case <-ackCh:
	case <-time.After(time.Second):
		t.Fatal("Run never processed the queued frame")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after the channel closed")
	}
}

var _ = model.TaskMessage{}
