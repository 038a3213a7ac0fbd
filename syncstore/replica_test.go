package syncstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// scripted transport for driving a replica without a host
type testReplicaTransport struct {
	changeCallbacks *CallbackList[func(snapshot any)]
	handler         func(ctx context.Context, frame *Frame) (*Frame, error)
}

func newTestReplicaTransport(handler func(ctx context.Context, frame *Frame) (*Frame, error)) *testReplicaTransport {
	return &testReplicaTransport{
		changeCallbacks: NewCallbackList[func(snapshot any)](),
		handler:         handler,
	}
}

func (self *testReplicaTransport) Request(ctx context.Context, frame *Frame) (*Frame, error) {
	return self.handler(ctx, frame)
}

func (self *testReplicaTransport) AddChangeListener(callback func(snapshot any)) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *testReplicaTransport) push(snapshot any) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(Clone(snapshot))
	}
}

func snapshotAck(value any) *Frame {
	return &Frame{
		Type:  FrameTypeAck,
		Value: value,
	}
}

type snapshotRecorder struct {
	mutex     sync.Mutex
	snapshots []any
}

func (self *snapshotRecorder) listener(snapshot any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshots = append(self.snapshots, snapshot)
}

func (self *snapshotRecorder) get() []any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]any, len(self.snapshots))
	copy(out, self.snapshots)
	return out
}

func TestReplicaReadyPullWins(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		assert.Equal(t, FrameTypeGet, frame.Type)
		return snapshotAck(map[string]any{"v": "pull"}), nil
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()

	state, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Equal(map[string]any{"v": "pull"}, state))
}

func TestReplicaReadyPushBeatsPull(t *testing.T) {
	ctx := context.Background()

	gate := make(chan struct{})
	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		// hold the pull until the push has landed
		<-gate
		return snapshotAck(map[string]any{"v": "pull"}), nil
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()

	transport.push(map[string]any{"v": "push"})

	state, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Equal(map[string]any{"v": "push"}, state))

	// the pull response is discarded as stale
	close(gate)
	time.Sleep(100 * time.Millisecond)
	state, err = replica.Get()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Equal(map[string]any{"v": "push"}, state))
}

func TestReplicaNotReadyBeforeSnapshot(t *testing.T) {
	ctx := context.Background()

	gate := make(chan struct{})
	defer close(gate)
	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil, errors.New("down")
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()

	_, err := replica.Get()
	assert.Equal(t, ErrNotReady, err)
	_, err = replica.GetKey("v")
	assert.Equal(t, ErrNotReady, err)
}

func TestReplicaSubscribe(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		return snapshotAck(map[string]any{"count": 0}), nil
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	recorder := &snapshotRecorder{}
	unsub := replica.Subscribe(recorder.listener)

	// synchronous notify with the current snapshot at subscribe time
	snapshots := recorder.get()
	assert.Equal(t, 1, len(snapshots))
	assert.Equal(t, true, Equal(map[string]any{"count": 0}, snapshots[0]))

	transport.push(map[string]any{"count": 1})
	waitFor(t, 5*time.Second, func() bool {
		return len(recorder.get()) == 2
	})
	assert.Equal(t, true, Equal(map[string]any{"count": 1}, recorder.get()[1]))

	unsub()
	transport.push(map[string]any{"count": 2})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, len(recorder.get()))

	// but the cache still follows pushes
	state, _ := replica.Get()
	assert.Equal(t, true, Equal(map[string]any{"count": 2}, state))
}

func TestReplicaOptimisticRollback(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 0}), nil
		default:
			return nil, errors.New("wire down")
		}
	})

	settings := DefaultReplicaSettings()
	settings.Optimistic = true
	replica := NewReplica(ctx, "settings", transport, settings)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	recorder := &snapshotRecorder{}
	unsub := replica.Subscribe(recorder.listener)
	defer unsub()

	err = replica.SetKey(ctx, "count", 1)
	syncErr := &SyncError{}
	assert.Equal(t, true, errors.As(err, &syncErr))

	// no newer update landed, so the cache reverts
	state, _ := replica.Get()
	assert.Equal(t, true, Equal(map[string]any{"count": 0}, state))

	// listeners observed the optimistic apply and the rollback
	snapshots := recorder.get()
	assert.Equal(t, 3, len(snapshots))
	assert.Equal(t, true, Equal(map[string]any{"count": 0}, snapshots[0]))
	assert.Equal(t, true, Equal(map[string]any{"count": 1}, snapshots[1]))
	assert.Equal(t, true, Equal(map[string]any{"count": 0}, snapshots[2]))
}

func TestReplicaOptimisticSuperseded(t *testing.T) {
	ctx := context.Background()

	var transport *testReplicaTransport
	transport = newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 0}), nil
		default:
			// a newer authoritative snapshot lands before the failure
			// is processed
			transport.push(map[string]any{"count": 5})
			return nil, errors.New("wire down")
		}
	})

	settings := DefaultReplicaSettings()
	settings.Optimistic = true
	replica := NewReplica(ctx, "settings", transport, settings)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	err = replica.SetKey(ctx, "count", 1)
	syncErr := &SyncError{}
	assert.Equal(t, true, errors.As(err, &syncErr))

	// rolling back would discard a valid newer state. leave it alone
	state, _ := replica.Get()
	assert.Equal(t, true, Equal(map[string]any{"count": 5}, state))
}

// whatever the interleaving of an optimistic write and an authoritative
// push, the last notification must be the snapshot the cache ended on
func TestReplicaNotifyMatchesCacheOrder(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 0}), nil
		default:
			return &Frame{Type: FrameTypeAck}, nil
		}
	})

	settings := DefaultReplicaSettings()
	settings.Optimistic = true
	replica := NewReplica(ctx, "settings", transport, settings)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	recorder := &snapshotRecorder{}
	unsub := replica.Subscribe(recorder.listener)
	defer unsub()

	for i := 0; i < 50; i++ {
		wg := &sync.WaitGroup{}
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			transport.push(map[string]any{"count": 100 + i})
		}(i)
		go func(i int) {
			defer wg.Done()
			assert.Equal(t, nil, replica.Set(ctx, map[string]any{"count": i}))
		}(i)
		wg.Wait()

		// all notifications are synchronous with the two calls above,
		// so the sequence is settled here
		snapshots := recorder.get()
		state, err := replica.Get()
		assert.Equal(t, nil, err)
		assert.Equal(t, true, Equal(state, snapshots[len(snapshots)-1]))
	}
}

func TestReplicaNonOptimisticSet(t *testing.T) {
	ctx := context.Background()

	var transport *testReplicaTransport
	transport = newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 0}), nil
		case FrameTypeSet:
			// the cache only moves when the broadcast arrives
			transport.push(map[string]any{"count": 1})
			return &Frame{Type: FrameTypeAck}, nil
		default:
			return nil, errors.New("unexpected frame")
		}
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	recorder := &snapshotRecorder{}
	unsub := replica.Subscribe(recorder.listener)
	defer unsub()

	assert.Equal(t, nil, replica.Set(ctx, map[string]any{"count": 1}))
	state, _ := replica.Get()
	assert.Equal(t, true, Equal(map[string]any{"count": 1}, state))

	// no optimistic intermediate: initial snapshot, then the broadcast
	snapshots := recorder.get()
	assert.Equal(t, 2, len(snapshots))
	assert.Equal(t, true, Equal(map[string]any{"count": 1}, snapshots[1]))
}

func TestReplicaResetNeverOptimistic(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 7}), nil
		case FrameTypeReset:
			return nil, errors.New("wire down")
		default:
			return nil, errors.New("unexpected frame")
		}
	})

	settings := DefaultReplicaSettings()
	settings.Optimistic = true
	replica := NewReplica(ctx, "settings", transport, settings)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	err = replica.Reset(ctx)
	syncErr := &SyncError{}
	assert.Equal(t, true, errors.As(err, &syncErr))

	// reset applied nothing locally
	state, _ := replica.Get()
	assert.Equal(t, true, Equal(map[string]any{"count": 7}, state))
}

func TestReplicaGetKey(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		return snapshotAck(map[string]any{
			"window": map[string]any{"width": 800},
		}), nil
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	window, err := replica.GetKey("window")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Equal(map[string]any{"width": 800}, window))

	missing, err := replica.GetKey("missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, missing)

	// clones, not aliases
	window.(map[string]any)["width"] = 1
	again, _ := replica.GetKey("window")
	assert.Equal(t, true, Equal(map[string]any{"width": 800}, again))
}

func TestReplicaHostErrorFrame(t *testing.T) {
	ctx := context.Background()

	transport := newTestReplicaTransport(func(ctx context.Context, frame *Frame) (*Frame, error) {
		switch frame.Type {
		case FrameTypeGet:
			return snapshotAck(map[string]any{"count": 0}), nil
		default:
			return &Frame{
				Type:  FrameTypeError,
				Error: "validation rejected write: count too large",
			}, nil
		}
	})

	replica := NewReplicaWithDefaults(ctx, "settings", transport)
	defer replica.Close()
	_, err := replica.Ready(ctx)
	assert.Equal(t, nil, err)

	err = replica.Set(ctx, map[string]any{"count": 99})
	syncErr := &SyncError{}
	assert.Equal(t, true, errors.As(err, &syncErr))
}
