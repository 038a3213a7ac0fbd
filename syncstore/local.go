package syncstore

import (
	"context"
	"fmt"
)

// LocalTransport joins a Replica directly to a Store in the same
// process, with no wire encoding. useful for embedded single-process
// use and for tests. request and push semantics match the websocket
// transport
type LocalTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	store *Store

	changeCallbacks *CallbackList[func(snapshot any)]

	removeBroadcastListener func()
}

func NewLocalTransport(ctx context.Context, store *Store) *LocalTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &LocalTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		changeCallbacks: NewCallbackList[func(snapshot any)](),
	}
	transport.removeBroadcastListener = store.AddBroadcastListener(transport.deliver)
	return transport
}

func (self *LocalTransport) Request(ctx context.Context, frame *Frame) (*Frame, error) {
	if frame.Store != self.store.Name() {
		return nil, fmt.Errorf("unknown store: %s", frame.Store)
	}

	switch frame.Type {
	case FrameTypeGet:
		if err := self.store.Ready(ctx); err != nil {
			return nil, err
		}
		snapshot, err := self.store.Get()
		if err != nil {
			return nil, err
		}
		return &Frame{
			Type:  FrameTypeAck,
			Value: snapshot,
		}, nil
	case FrameTypeSet:
		if err := self.store.Set(ctx, frame.Value); err != nil {
			return nil, err
		}
		return &Frame{Type: FrameTypeAck}, nil
	case FrameTypeSetKey:
		if err := self.store.SetKey(ctx, frame.Key, frame.Value); err != nil {
			return nil, err
		}
		return &Frame{Type: FrameTypeAck}, nil
	case FrameTypeReset:
		if err := self.store.Reset(ctx); err != nil {
			return nil, err
		}
		return &Frame{Type: FrameTypeAck}, nil
	default:
		return nil, fmt.Errorf("unknown frame type: %s", frame.Type)
	}
}

func (self *LocalTransport) AddChangeListener(callback func(snapshot any)) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *LocalTransport) Close() {
	self.removeBroadcastListener()
	self.cancel()
}

func (self *LocalTransport) deliver(snapshot any) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(Clone(snapshot))
	}
}
