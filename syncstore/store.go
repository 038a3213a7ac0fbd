package syncstore

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type StoreLifecycle string

const (
	StoreLifecycleUninitialized StoreLifecycle = "uninitialized"
	StoreLifecycleHydrating     StoreLifecycle = "hydrating"
	StoreLifecycleReady         StoreLifecycle = "ready"
)

// Validator inspects a candidate state before commit.
// it may return a sanitized replacement for the candidate,
// or an error to abort the write with state unchanged
type Validator func(candidate any) (any, error)

// invoked with a deep-cloned snapshot after every committed write
type BroadcastFunction func(snapshot any)

type StoreSettings struct {
	WriteBufferSize int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		WriteBufferSize: 32,
	}
}

type storeWrite struct {
	// computes the candidate from the current state. must not mutate it
	apply func(state any) any
	done  chan error
}

// Store owns the single authoritative state value for one named document.
// all writes flow through one run goroutine, so the
// merge/validate/persist/broadcast pipeline never interleaves.
// a second set issued before a first completes queues behind it
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	name         string
	defaultState any
	validator    Validator
	middleware   []Middleware

	settings *StoreSettings

	writes chan *storeWrite
	ready  chan struct{}

	stateLock sync.Mutex
	state     any
	lifecycle StoreLifecycle

	broadcastCallbacks *CallbackList[BroadcastFunction]
}

func NewStoreWithDefaults(
	ctx context.Context,
	name string,
	defaultState any,
	validator Validator,
	middleware []Middleware,
) *Store {
	return NewStore(ctx, name, defaultState, validator, middleware, DefaultStoreSettings())
}

func NewStore(
	ctx context.Context,
	name string,
	defaultState any,
	validator Validator,
	middleware []Middleware,
	settings *StoreSettings,
) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &Store{
		ctx:                cancelCtx,
		cancel:             cancel,
		name:               name,
		defaultState:       Clone(defaultState),
		validator:          validator,
		middleware:         middleware,
		settings:           settings,
		writes:             make(chan *storeWrite, settings.WriteBufferSize),
		ready:              make(chan struct{}),
		state:              Clone(defaultState),
		lifecycle:          StoreLifecycleHydrating,
		broadcastCallbacks: NewCallbackList[BroadcastFunction](),
	}
	go store.run()
	return store
}

func (self *Store) Name() string {
	return self.name
}

func (self *Store) Lifecycle() StoreLifecycle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lifecycle
}

// Ready resolves once hydration has completed and the first broadcast
// has been issued. all writes queue behind this point
func (self *Store) Ready(ctx context.Context) error {
	select {
	case <-self.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

// Get returns a deep clone of the current state.
// a previously obtained handle never observes store-internal changes
func (self *Store) Get() (any, error) {
	select {
	case <-self.ready:
	default:
		return nil, ErrNotReady
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return Clone(self.state), nil
}

// Set deep-merges the update into the current state.
// a field set to Absent in the update deletes that key
func (self *Store) Set(ctx context.Context, update any) error {
	update = Clone(update)
	return self.enqueue(ctx, func(state any) any {
		candidate := Merge(state, update)
		if _, ok := candidate.(absentValue); ok {
			return nil
		}
		return candidate
	})
}

// SetKey sets a single top-level field wholesale, bypassing recursive
// merge for that field, so nested children omitted from the value are
// dropped. Absent deletes the key
func (self *Store) SetKey(ctx context.Context, key string, value any) error {
	if reservedKeys[key] {
		// dropped for the same reason merge drops it
		return nil
	}
	value = Clone(value)
	return self.enqueue(ctx, func(state any) any {
		out := map[string]any{}
		if m, ok := state.(map[string]any); ok {
			out = Clone(m).(map[string]any)
		}
		if _, ok := value.(absentValue); ok {
			delete(out, key)
		} else {
			out[key] = value
		}
		return out
	})
}

// Reset replaces the state with the original default value
func (self *Store) Reset(ctx context.Context) error {
	return self.enqueue(ctx, func(state any) any {
		return Clone(self.defaultState)
	})
}

// AddBroadcastListener attaches a client sender.
// the returned function detaches it
func (self *Store) AddBroadcastListener(callback BroadcastFunction) func() {
	return self.broadcastCallbacks.Add(callback)
}

func (self *Store) Close() {
	self.cancel()
}

func (self *Store) enqueue(ctx context.Context, apply func(state any) any) error {
	write := &storeWrite{
		apply: apply,
		done:  make(chan error, 1),
	}
	select {
	case self.writes <- write:
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	select {
	case err := <-write.done:
		return err
	case <-ctx.Done():
		// the write still runs to completion. there is no cancellation
		// of an in-flight commit
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Store) run() {
	defer self.cancel()

	self.hydrate()

	self.stateLock.Lock()
	self.lifecycle = StoreLifecycleReady
	self.stateLock.Unlock()

	// first broadcast marks the store usable
	self.broadcast(self.snapshot())
	close(self.ready)

	for {
		select {
		case <-self.ctx.Done():
			// drain queued writes so no caller hangs
			for {
				select {
				case write := <-self.writes:
					write.done <- self.ctx.Err()
				default:
					return
				}
			}
		case write := <-self.writes:
			self.commit(write)
		}
	}
}

// hydrate invokes each middleware's OnHydrate sequentially in
// registration order. each non-nil contribution deep-merges onto the
// running value, so later middleware win per-key conflicts.
// any error falls back to the default value wholesale
func (self *Store) hydrate() {
	state := Clone(self.defaultState)
	for _, middleware := range self.middleware {
		contribution, err := middleware.OnHydrate(self.ctx)
		if err != nil {
			glog.Infof("[store]%s hydrate error = %s\n", self.name, err)
			state = Clone(self.defaultState)
			break
		}
		if contribution == nil {
			continue
		}
		merged := Merge(state, contribution)
		if _, ok := merged.(absentValue); ok {
			continue
		}
		state = merged
	}

	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

func (self *Store) snapshot() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return Clone(self.state)
}

func (self *Store) commit(write *storeWrite) {
	current := self.snapshot()

	candidate := write.apply(current)

	if self.validator != nil {
		sanitized, err := self.validator(candidate)
		if err != nil {
			if _, ok := err.(*ValidationError); !ok {
				err = &ValidationError{Message: err.Error()}
			}
			write.done <- err
			return
		}
		candidate = sanitized
	}

	if Equal(candidate, current) {
		// idempotent write. no persistence, no broadcast
		write.done <- nil
		return
	}

	self.stateLock.Lock()
	self.state = candidate
	self.stateLock.Unlock()

	// persistence middleware run concurrently with each other.
	// errors are logged, never propagated, and never roll back the
	// already-committed in-memory state.
	// the next write waits for the whole set
	wg := &sync.WaitGroup{}
	for _, middleware := range self.middleware {
		wg.Add(1)
		go func(middleware Middleware) {
			defer wg.Done()
			if err := middleware.OnPersist(self.ctx, Clone(candidate)); err != nil {
				glog.Infof("[store]%s persist error = %s\n", self.name, err)
			}
		}(middleware)
	}
	wg.Wait()

	write.done <- nil

	// broadcast delivery is best effort and does not gate the
	// caller's completion, but snapshots go out in commit order
	self.broadcast(Clone(candidate))
}

func (self *Store) broadcast(snapshot any) {
	for _, broadcastCallback := range self.broadcastCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// a torn-down client must not fail the broadcast
					glog.V(2).Infof("[store]%s broadcast recover = %v\n", self.name, r)
				}
			}()
			broadcastCallback(Clone(snapshot))
		}()
	}
}
