package meelreel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the wire protocol between `RemoteStore` and `Gateway`. One json frame
// per websocket message. v1 of this protocol used a binary codec but the
// frames are small and infrequent enough that json keeps both sides
// debuggable with no measurable cost.
type gatewayFrame struct {
	Type      string `json:"type"`
	RequestId uint64 `json:"requestId,omitempty"`
	SubId     uint64 `json:"subId,omitempty"`

	Collection string    `json:"collection,omitempty"`
	Key        string    `json:"key,omitempty"`
	Field      string    `json:"field,omitempty"`
	Value      string    `json:"value,omitempty"`
	Member     string    `json:"member,omitempty"`
	Query      *Query    `json:"query,omitempty"`
	Doc        *Doc      `json:"doc,omitempty"`
	Docs       []*Doc    `json:"docs,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

const (
	frameTypeCreate        = "create"
	frameTypeGet           = "get"
	frameTypeFind          = "find"
	frameTypeSetField      = "setField"
	frameTypeAddToSet      = "addToSet"
	frameTypeRemoveFromSet = "removeFromSet"
	frameTypeSubscribe     = "subscribe"
	frameTypeUnsubscribe   = "unsubscribe"
	frameTypeResult        = "result"
	frameTypeSnapshot      = "snapshot"
)

const (
	errorKindExists     = "exists"
	errorKindNotFound   = "notFound"
	errorKindValidation = "validation"
)

// errors that must survive the wire with their identity intact are
// tagged with a kind so the client can reconstruct them
func frameError(frame *gatewayFrame, err error) {
	if err == nil {
		return
	}
	frame.Error = err.Error()
	switch {
	case err == ErrExists:
		frame.ErrorKind = errorKindExists
	case IsNotFound(err):
		frame.ErrorKind = errorKindNotFound
	case IsValidation(err):
		frame.ErrorKind = errorKindValidation
	}
}

type GatewaySettings struct {
	AuthTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		AuthTimeout:  2 * time.Second,
		PingTimeout:  1 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

// serves a `DocumentStore` to remote clients over websocket.
// Each connection authenticates with a jwt echo handshake, then issues
// request frames and receives result and snapshot frames.
type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	store DocumentStore

	settings *GatewaySettings

	upgrader *websocket.Upgrader
}

func NewGatewayWithDefaults(ctx context.Context, store DocumentStore) *Gateway {
	return NewGateway(ctx, store, DefaultGatewaySettings())
}

func NewGateway(ctx context.Context, store DocumentStore, settings *GatewaySettings) *Gateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Gateway{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.AuthTimeout,
		},
	}
}

func (self *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[gw]upgrade error = %s\n", err)
		return
	}
	go HandleError(func() {
		self.handle(ws)
	})
}

func (self *Gateway) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// the auth echo. The first message is the bearer jwt and the gateway
	// echoes it back verbatim to confirm the session.
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[gw]auth error = %s\n", err)
		return
	}
	if messageType != websocket.TextMessage {
		glog.Infof("[gw]auth error = bad message type\n")
		return
	}
	byJwt, err := ParseByJwtUnverified(string(authBytes))
	if err != nil {
		glog.Infof("[gw]auth error = %s\n", err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return
	}
	userId := byJwt.UserId

	glog.V(2).Infof("[gw]connect %s\n", userId)

	// writes interleave from the read loop, snapshot callbacks, and pings
	var writeLock sync.Mutex
	write := func(frame *gatewayFrame) error {
		frameBytes, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		writeLock.Lock()
		defer writeLock.Unlock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, frameBytes)
	}

	unsubs := map[uint64]func(){}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// keepalive so an idle client does not trip the read deadline
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			writeLock.Lock()
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
			writeLock.Unlock()
			if err != nil {
				return
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
			glog.V(2).Infof("[gw]%s<- error = %s\n", userId, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame := &gatewayFrame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("[gw]%s<- bad frame = %s\n", userId, err)
			return
		}

		if err := self.dispatch(handleCtx, frame, unsubs, write); err != nil {
			glog.V(2).Infof("[gw]%s-> error = %s\n", userId, err)
			return
		}
	}
}

func (self *Gateway) dispatch(
	handleCtx context.Context,
	frame *gatewayFrame,
	unsubs map[uint64]func(),
	write func(*gatewayFrame) error,
) error {
	result := &gatewayFrame{
		Type:      frameTypeResult,
		RequestId: frame.RequestId,
	}

	switch frame.Type {
	case frameTypeCreate:
		doc, err := self.store.Create(handleCtx, frame.Collection, frame.Doc)
		result.Doc = doc
		frameError(result, err)
	case frameTypeGet:
		doc, err := self.store.Get(handleCtx, frame.Collection, frame.Key)
		result.Doc = doc
		frameError(result, err)
	case frameTypeFind:
		docs, err := self.store.Find(handleCtx, *frame.Query)
		result.Docs = docs
		frameError(result, err)
	case frameTypeSetField:
		err := self.store.SetField(handleCtx, frame.Collection, frame.Key, frame.Field, frame.Value)
		frameError(result, err)
	case frameTypeAddToSet:
		err := self.store.AddToSet(handleCtx, frame.Collection, frame.Key, frame.Field, frame.Member)
		frameError(result, err)
	case frameTypeRemoveFromSet:
		err := self.store.RemoveFromSet(handleCtx, frame.Collection, frame.Key, frame.Field, frame.Member)
		frameError(result, err)
	case frameTypeSubscribe:
		subId := frame.SubId
		unsub := self.store.Subscribe(*frame.Query, func(snapshot *Snapshot, err error) {
			push := &gatewayFrame{
				Type:     frameTypeSnapshot,
				SubId:    subId,
				Snapshot: snapshot,
			}
			frameError(push, err)
			write(push)
		})
		if existing, ok := unsubs[subId]; ok {
			existing()
		}
		unsubs[subId] = unsub
	case frameTypeUnsubscribe:
		if unsub, ok := unsubs[frame.SubId]; ok {
			unsub()
			delete(unsubs, frame.SubId)
		}
	default:
		glog.Infof("[gw]other=%s\n", frame.Type)
	}

	if frame.Type == frameTypeSubscribe || frame.Type == frameTypeUnsubscribe {
		// subscriptions ack through their snapshot stream
		return nil
	}
	return write(result)
}

func (self *Gateway) Close() {
	self.cancel()
}
