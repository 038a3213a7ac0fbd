package syncstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrTransportClosed = errors.New("transport closed")

var ErrConnectionLost = errors.New("connection lost")

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// Transport maintains one websocket connection from a client process to
// the host, reconnecting with backoff. requests are correlated to
// responses by requestId; changed pushes fan out to change listeners
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	token string

	settings *TransportSettings

	send chan []byte

	mutex   sync.Mutex
	pending map[Id]chan *Frame

	changeCallbacks *CallbackList[func(snapshot any)]
}

func NewTransportWithDefaults(ctx context.Context, url string, token string) *Transport {
	return NewTransport(ctx, url, token, DefaultTransportSettings())
}

func NewTransport(ctx context.Context, url string, token string, settings *TransportSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &Transport{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		token:           token,
		settings:        settings,
		send:            make(chan []byte, settings.SendBufferSize),
		pending:         map[Id]chan *Frame{},
		changeCallbacks: NewCallbackList[func(snapshot any)](),
	}
	go transport.run()
	return transport
}

// Request sends a frame to the host and waits for the correlated
// response. the caller bounds the wait with ctx
func (self *Transport) Request(ctx context.Context, frame *Frame) (*Frame, error) {
	requestId := NewId()
	frame.RequestId = &requestId

	response := make(chan *Frame, 1)
	self.mutex.Lock()
	self.pending[requestId] = response
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.pending, requestId)
		self.mutex.Unlock()
	}()

	message, err := EncodeFrame(frame)
	if err != nil {
		return nil, err
	}

	select {
	case self.send <- message:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrTransportClosed
	}

	select {
	case responseFrame, ok := <-response:
		if !ok {
			return nil, ErrConnectionLost
		}
		return responseFrame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrTransportClosed
	}
}

func (self *Transport) AddChangeListener(callback func(snapshot any)) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *Transport) Close() {
	self.cancel()
}

func (self *Transport) run() {
	defer func() {
		self.cancel()
		self.failPending()
	}()

	authMessage, err := EncodeFrame(&Frame{
		Type:  FrameTypeAuth,
		Token: self.token,
	})
	if err != nil {
		return
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authMessage); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authMessage, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ct]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Transport) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// in-flight requests do not survive a reconnect
	defer self.failPending()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[ct]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ct]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ct]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				continue
			}

			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[ct]<- bad frame = %s\n", err)
				continue
			}
			self.dispatch(frame)
		default:
			glog.V(2).Infof("[ct]other=%d<-\n", messageType)
		}
	}
}

func (self *Transport) dispatch(frame *Frame) {
	switch frame.Type {
	case FrameTypeChanged:
		for _, changeCallback := range self.changeCallbacks.Get() {
			func() {
				defer func() {
					recover()
				}()
				changeCallback(Clone(frame.Value))
			}()
		}
	case FrameTypeAck, FrameTypeError:
		if frame.RequestId == nil {
			return
		}
		self.mutex.Lock()
		response, ok := self.pending[*frame.RequestId]
		if ok {
			delete(self.pending, *frame.RequestId)
		}
		self.mutex.Unlock()
		if ok {
			response <- frame
		}
	default:
		glog.V(2).Infof("[ct]unexpected frame type %s<-\n", frame.Type)
	}
}

func (self *Transport) failPending() {
	self.mutex.Lock()
	pending := self.pending
	self.pending = map[Id]chan *Frame{}
	self.mutex.Unlock()

	for _, response := range pending {
		close(response)
	}
}
