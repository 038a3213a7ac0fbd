package syncstore

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so iteration never holds the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		out[i] = entry.callback
	}
	return out
}

// the returned remove function deregisters the callback
func (self *CallbackList[T]) Add(callback T) func() {
	entry := &callbackEntry[T]{
		callback: callback,
	}

	self.mutex.Lock()
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		i := slices.Index(self.callbacks, entry)
		if i < 0 {
			// not present
			return
		}
		nextCallbacks := slices.Clone(self.callbacks)
		nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
		self.callbacks = nextCallbacks
	}
}

// notifies waiters of an edge-triggered update by
// closing the current channel and replacing it
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// process lifetime event that can be bound to os signals
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}

func (self *Event) Cancel() {
	self.cancel()
}

type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
