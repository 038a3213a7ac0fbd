package syncstore

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	AuthTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:     2 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     15 * time.Second,
		SendBufferSize:  32,
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
	}
}

// Server exposes one or more host stores on a websocket endpoint.
// each connected client gets request/response dispatch plus changed
// pushes for every store it can name. delivery is best effort: a slow
// or torn-down client is skipped without failing the broadcast
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	stores map[string]*Store

	// empty disables the token check. the auth frame is still the
	// required first frame and is echoed on success
	authSecret []byte

	settings *ServerSettings

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, stores []*Store, authSecret []byte) *Server {
	return NewServer(ctx, stores, authSecret, DefaultServerSettings())
}

func NewServer(ctx context.Context, stores []*Store, authSecret []byte, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	byName := map[string]*Store{}
	for _, store := range stores {
		byName[store.Name()] = store
	}
	return &Server{
		ctx:        cancelCtx,
		cancel:     cancel,
		stores:     byName,
		authSecret: authSecret,
		settings:   settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) Close() {
	self.cancel()
}

// ServeHTTP upgrades the connection and runs it until either side
// closes. mount this on the sync endpoint
func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ss]upgrade error = %s\n", err)
		return
	}
	go self.runConn(ws)
}

func (self *Server) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	clientId, ok := self.handshake(ws)
	if !ok {
		return
	}

	send := make(chan []byte, self.settings.SendBufferSize)

	enqueue := func(message []byte) {
		select {
		case send <- message:
		default:
			// backpressure. drop and let a later push supersede
			glog.Infof("[ss]drop %s->\n", clientId)
		}
	}

	// push changed snapshots for every store
	removeListeners := []func(){}
	for _, store := range self.stores {
		store := store
		remove := store.AddBroadcastListener(func(snapshot any) {
			message, err := EncodeFrame(&Frame{
				Type:  FrameTypeChanged,
				Store: store.Name(),
				Value: snapshot,
			})
			if err != nil {
				glog.Infof("[ss]encode error %s = %s\n", store.Name(), err)
				return
			}
			select {
			case <-handleCtx.Done():
				return
			default:
			}
			enqueue(message)
		})
		removeListeners = append(removeListeners, remove)
	}
	defer func() {
		for _, remove := range removeListeners {
			remove()
		}
	}()

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[ss]%s-> error = %s\n", clientId, err)
					return
				}
				glog.V(2).Infof("[ss]%s->\n", clientId)
			}
		}
	}()

	// read pump
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ss]%s<- error = %s\n", clientId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[ss]ping %s<-\n", clientId)
				continue
			}

			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[ss]%s<- bad frame = %s\n", clientId, err)
				continue
			}

			// requests must not block the read pump. a write can stall
			// on hydration or a slow persistence hook
			go func() {
				response := self.handleFrame(handleCtx, frame)
				if response == nil {
					return
				}
				responseMessage, err := EncodeFrame(response)
				if err != nil {
					glog.Infof("[ss]encode error = %s\n", err)
					return
				}
				enqueue(responseMessage)
			}()
		default:
			glog.V(2).Infof("[ss]other=%d %s<-\n", messageType, clientId)
		}
	}
}

// the auth frame must be the first frame. on success it is echoed
// verbatim so the client can verify the handshake
func (self *Server) handshake(ws *websocket.Conn) (Id, bool) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[ss]auth read error = %s\n", err)
		return Id{}, false
	}
	if messageType != websocket.BinaryMessage {
		glog.Infof("[ss]auth bad message type\n")
		return Id{}, false
	}
	frame, err := DecodeFrame(message)
	if err != nil || frame.Type != FrameTypeAuth {
		glog.Infof("[ss]auth bad frame\n")
		return Id{}, false
	}

	clientId := Id{}
	if 0 < len(self.authSecret) {
		auth, err := VerifyClientToken(self.authSecret, frame.Token)
		if err != nil {
			glog.Infof("[ss]auth verify error = %s\n", err)
			return Id{}, false
		}
		clientId = auth.ClientId
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		glog.Infof("[ss]auth echo error = %s\n", err)
		return Id{}, false
	}
	return clientId, true
}

func (self *Server) handleFrame(ctx context.Context, frame *Frame) *Frame {
	errorFrame := func(err error) *Frame {
		return &Frame{
			Type:      FrameTypeError,
			RequestId: frame.RequestId,
			Store:     frame.Store,
			Error:     err.Error(),
		}
	}

	store, ok := self.stores[frame.Store]
	if !ok {
		return errorFrame(&SyncError{Op: string(frame.Type), Err: ErrUnknownStore})
	}

	switch frame.Type {
	case FrameTypeGet:
		if err := store.Ready(ctx); err != nil {
			return errorFrame(err)
		}
		snapshot, err := store.Get()
		if err != nil {
			return errorFrame(err)
		}
		return &Frame{
			Type:      FrameTypeAck,
			RequestId: frame.RequestId,
			Store:     frame.Store,
			Value:     snapshot,
		}
	case FrameTypeSet:
		if err := store.Set(ctx, frame.Value); err != nil {
			return errorFrame(err)
		}
	case FrameTypeSetKey:
		if err := store.SetKey(ctx, frame.Key, frame.Value); err != nil {
			return errorFrame(err)
		}
	case FrameTypeReset:
		if err := store.Reset(ctx); err != nil {
			return errorFrame(err)
		}
	default:
		return errorFrame(&SyncError{Op: string(frame.Type), Err: ErrBadFrame})
	}

	return &Frame{
		Type:      FrameTypeAck,
		RequestId: frame.RequestId,
		Store:     frame.Store,
	}
}
