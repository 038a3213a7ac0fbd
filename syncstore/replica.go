package syncstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ReplicaTransport carries request frames to the host and delivers
// unsolicited changed pushes back. implementations: the websocket
// Transport, and LocalTransport for same-process wiring
type ReplicaTransport interface {
	Request(ctx context.Context, frame *Frame) (*Frame, error)
	AddChangeListener(callback func(snapshot any)) func()
}

type ReplicaSettings struct {
	// apply updates locally before the host confirms them.
	// failed updates are rolled back unless a newer snapshot
	// superseded them in the meantime
	Optimistic bool
	// delay between initial snapshot pull attempts
	PullRetryTimeout time.Duration
}

func DefaultReplicaSettings() *ReplicaSettings {
	return &ReplicaSettings{
		Optimistic:       false,
		PullRetryTimeout: 1 * time.Second,
	}
}

// Replica caches a local copy of one named store's authoritative state.
// it is never authoritative: the cache is only ever replaced wholesale,
// from a host snapshot or a locally computed optimistic snapshot
type Replica struct {
	ctx    context.Context
	cancel context.CancelFunc

	name      string
	transport ReplicaTransport
	settings  *ReplicaSettings

	stateLock sync.Mutex
	cached    any
	hasState  bool

	ready     chan struct{}
	readyOnce sync.Once

	// serializes cache adoption together with listener notification,
	// so listeners observe snapshots in the order the cache adopted
	// them and a subscriber's initial snapshot cannot interleave with
	// a concurrent change. lock order is notifyLock before stateLock
	notifyLock sync.Mutex
	listeners  *CallbackList[func(snapshot any)]

	removeChangeListener func()
}

func NewReplicaWithDefaults(ctx context.Context, name string, transport ReplicaTransport) *Replica {
	return NewReplica(ctx, name, transport, DefaultReplicaSettings())
}

func NewReplica(ctx context.Context, name string, transport ReplicaTransport, settings *ReplicaSettings) *Replica {
	cancelCtx, cancel := context.WithCancel(ctx)
	replica := &Replica{
		ctx:       cancelCtx,
		cancel:    cancel,
		name:      name,
		transport: transport,
		settings:  settings,
		ready:     make(chan struct{}),
		listeners: NewCallbackList[func(snapshot any)](),
	}
	replica.removeChangeListener = transport.AddChangeListener(replica.applySnapshot)
	go replica.run()
	return replica
}

func (self *Replica) Name() string {
	return self.name
}

// Ready resolves once the first authoritative snapshot has arrived,
// from either the initial pull or an unsolicited push, whichever lands
// first. the loser is discarded as stale
func (self *Replica) Ready(ctx context.Context) (any, error) {
	select {
	case <-self.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
	return self.Get()
}

func (self *Replica) Get() (any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.hasState {
		return nil, ErrNotReady
	}
	return Clone(self.cached), nil
}

func (self *Replica) GetKey(key string) (any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.hasState {
		return nil, ErrNotReady
	}
	m, ok := self.cached.(map[string]any)
	if !ok {
		return nil, errors.New("state is not a mapping")
	}
	return Clone(m[key]), nil
}

// Subscribe registers a listener invoked synchronously with the current
// snapshot (when one exists) and again on every subsequent change.
// the returned function deregisters it
func (self *Replica) Subscribe(listener func(snapshot any)) func() {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	unsub := self.listeners.Add(listener)

	self.stateLock.Lock()
	hasState := self.hasState
	var snapshot any
	if hasState {
		snapshot = Clone(self.cached)
	}
	self.stateLock.Unlock()

	if hasState {
		func() {
			defer func() {
				recover()
			}()
			listener(snapshot)
		}()
	}
	return unsub
}

// Set requests the host merge the update into the authoritative state.
// in optimistic mode the expected result is applied to the local cache
// first and rolled back on failure unless a newer snapshot superseded it
func (self *Replica) Set(ctx context.Context, update any) error {
	update = Clone(update)
	frame := &Frame{
		Type:  FrameTypeSet,
		Store: self.name,
		Value: update,
	}
	apply := func(cached any) any {
		expected := Merge(cached, update)
		if _, ok := expected.(absentValue); ok {
			return nil
		}
		return expected
	}
	return self.write(ctx, "set", frame, apply)
}

// SetKey sets a single top-level field wholesale, matching the host's
// setKey semantics so the optimistic cache and the eventual broadcast
// agree. Absent deletes the key
func (self *Replica) SetKey(ctx context.Context, key string, value any) error {
	value = Clone(value)
	frame := &Frame{
		Type:  FrameTypeSetKey,
		Store: self.name,
		Key:   key,
		Value: value,
	}
	apply := func(cached any) any {
		out := map[string]any{}
		if m, ok := cached.(map[string]any); ok {
			out = Clone(m).(map[string]any)
		}
		if reservedKeys[key] {
			return out
		}
		if _, ok := value.(absentValue); ok {
			delete(out, key)
		} else {
			out[key] = Clone(value)
		}
		return out
	}
	return self.write(ctx, "setKey", frame, apply)
}

// Reset asks the host to restore the default state.
// never optimistic: the cache updates only via the resulting broadcast
func (self *Replica) Reset(ctx context.Context) error {
	frame := &Frame{
		Type:  FrameTypeReset,
		Store: self.name,
	}
	_, err := self.request(ctx, "reset", frame)
	return err
}

func (self *Replica) Close() {
	self.removeChangeListener()
	self.cancel()
}

func (self *Replica) write(ctx context.Context, op string, frame *Frame, apply func(cached any) any) error {
	if !self.settings.Optimistic {
		_, err := self.request(ctx, op, frame)
		return err
	}

	self.notifyLock.Lock()
	self.stateLock.Lock()
	if !self.hasState {
		// no snapshot to apply against yet. fall through to the
		// non-optimistic path
		self.stateLock.Unlock()
		self.notifyLock.Unlock()
		_, err := self.request(ctx, op, frame)
		return err
	}
	previous := Clone(self.cached)
	expected := apply(self.cached)
	self.cached = Clone(expected)
	self.stateLock.Unlock()
	self.notifyLocked(Clone(expected))
	self.notifyLock.Unlock()

	_, err := self.request(ctx, op, frame)
	if err == nil {
		// the host's eventual broadcast reconciles, typically a no-op
		return nil
	}

	// roll back only if no newer snapshot landed in the interim.
	// if the cache has since moved on, rolling back would discard a
	// valid newer state
	self.notifyLock.Lock()
	self.stateLock.Lock()
	if Equal(self.cached, expected) {
		self.cached = previous
		self.stateLock.Unlock()
		self.notifyLocked(Clone(previous))
	} else {
		self.stateLock.Unlock()
	}
	self.notifyLock.Unlock()
	return err
}

func (self *Replica) request(ctx context.Context, op string, frame *Frame) (*Frame, error) {
	response, err := self.transport.Request(ctx, frame)
	if err != nil {
		return nil, &SyncError{Op: op, Err: err}
	}
	if response.Type == FrameTypeError {
		return nil, &SyncError{Op: op, Err: errors.New(response.Error)}
	}
	return response, nil
}

// the transport's change listener. host snapshots always win
func (self *Replica) applySnapshot(snapshot any) {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	self.stateLock.Lock()
	self.cached = Clone(snapshot)
	self.hasState = true
	self.stateLock.Unlock()

	self.readyOnce.Do(func() {
		close(self.ready)
	})

	self.notifyLocked(Clone(snapshot))
}

// callers hold notifyLock
func (self *Replica) notifyLocked(snapshot any) {
	for _, listener := range self.listeners.Get() {
		func() {
			defer func() {
				recover()
			}()
			listener(Clone(snapshot))
		}()
	}
}

// initial snapshot pull. retries until a snapshot arrives by pull or
// push, or the replica is closed
func (self *Replica) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.ready:
			// a push won the race
			return
		default:
		}

		frame := &Frame{
			Type:  FrameTypeGet,
			Store: self.name,
		}
		response, err := self.request(self.ctx, "get", frame)
		if err == nil {
			self.notifyLock.Lock()
			self.stateLock.Lock()
			stale := self.hasState
			if !stale {
				self.cached = Clone(response.Value)
				self.hasState = true
			}
			self.stateLock.Unlock()
			if stale {
				// an unsolicited push beat the pull. discard
				self.notifyLock.Unlock()
				return
			}
			self.readyOnce.Do(func() {
				close(self.ready)
			})
			self.notifyLocked(Clone(response.Value))
			self.notifyLock.Unlock()
			return
		}

		glog.V(2).Infof("[replica]%s pull error = %s\n", self.name, err)
		reconnect := NewReconnect(self.settings.PullRetryTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-self.ready:
			return
		case <-reconnect.After():
		}
	}
}
