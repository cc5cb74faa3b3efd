package meelreel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const storeSendBufferSize = 32

const errorKindTransient = "transient"

type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *ClientAuth) UserId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.UserId, nil
}

type RemoteStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultRemoteStoreSettings() *RemoteStoreSettings {
	return &RemoteStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     5 * time.Second,
	}
}

// a `DocumentStore` backed by a `Gateway` over websocket.
// The connection is maintained by a reconnect loop. While disconnected,
// operations fail with a transient error so that callers built on
// `SetMutator` retry into the next connection, and every live
// subscription is marked stale until the reconnect re-issues it and a
// fresh snapshot arrives.
type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storeUrl string
	auth     *ClientAuth

	settings *RemoteStoreSettings

	stateLock sync.Mutex
	// nil while disconnected
	send          chan *gatewayFrame
	nextRequestId uint64
	pending       map[uint64]chan *gatewayFrame
	nextSubId     uint64
	subs          map[uint64]*remoteSub
}

type remoteSub struct {
	query    Query
	callback SnapshotFunc
}

func NewRemoteStoreWithDefaults(ctx context.Context, storeUrl string, auth *ClientAuth) *RemoteStore {
	return NewRemoteStore(ctx, storeUrl, auth, DefaultRemoteStoreSettings())
}

func NewRemoteStore(ctx context.Context, storeUrl string, auth *ClientAuth, settings *RemoteStoreSettings) *RemoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		storeUrl: storeUrl,
		auth:     auth,
		settings: settings,
		pending:  map[uint64]chan *gatewayFrame{},
		subs:     map[uint64]*remoteSub{},
	}
	go store.run()
	return store
}

func (self *RemoteStore) run() {
	defer self.cancel()

	clientId, _ := self.auth.UserId()

	authBytes := []byte(self.auth.ByJwt)

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.storeUrl, nil)
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
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rs]connect %s", clientId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[rs]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan *gatewayFrame, storeSendBufferSize)

			self.attach(send)
			defer self.detach()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frame, ok := <-send:
						if !ok {
							return
						}

						frameBytes, err := json.Marshal(frame)
						if err != nil {
							glog.Infof("[rs]%s-> marshal error = %s\n", clientId, err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[rs]%s-> error = %s\n", clientId, err)
							return
						}
						glog.V(2).Infof("[rs]%s->%s\n", clientId, frame.Type)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rs]%s<- error = %s\n", clientId, err)
						return
					}
					if messageType != websocket.TextMessage {
						continue
					}
					if len(message) == 0 {
						// ping
						glog.V(2).Infof("[rs]ping %s<-\n", clientId)
						continue
					}

					frame := &gatewayFrame{}
					if err := json.Unmarshal(message, frame); err != nil {
						glog.Infof("[rs]%s<- bad frame = %s\n", clientId, err)
						return
					}
					self.receive(frame)
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[rs]connect run %s", clientId), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// publishes the connection and re-issues every live subscription so each
// gets a fresh authoritative snapshot on this connection
func (self *RemoteStore) attach(send chan *gatewayFrame) {
	self.stateLock.Lock()
	self.send = send
	subQueries := map[uint64]Query{}
	for subId, sub := range self.subs {
		subQueries[subId] = sub.query
	}
	self.stateLock.Unlock()

	for subId, query := range subQueries {
		query := query
		self.post(send, &gatewayFrame{
			Type:  frameTypeSubscribe,
			SubId: subId,
			Query: &query,
		})
	}
}

func (self *RemoteStore) detach() {
	self.stateLock.Lock()
	self.send = nil
	pending := self.pending
	self.pending = map[uint64]chan *gatewayFrame{}
	callbacks := []SnapshotFunc{}
	for _, sub := range self.subs {
		callbacks = append(callbacks, sub.callback)
	}
	self.stateLock.Unlock()

	disconnected := &gatewayFrame{
		Type:      frameTypeResult,
		Error:     "store disconnected",
		ErrorKind: errorKindTransient,
	}
	for _, result := range pending {
		select {
		case result <- disconnected:
		default:
		}
	}
	// mark every feed stale until the next connection resubscribes
	for _, callback := range callbacks {
		callback := callback
		HandleError(func() {
			callback(nil, Transient(ErrNotConn))
		})
	}
}

func (self *RemoteStore) receive(frame *gatewayFrame) {
	switch frame.Type {
	case frameTypeResult:
		self.stateLock.Lock()
		result, ok := self.pending[frame.RequestId]
		delete(self.pending, frame.RequestId)
		self.stateLock.Unlock()
		if ok {
			select {
			case result <- frame:
			default:
			}
		}
	case frameTypeSnapshot:
		self.stateLock.Lock()
		sub, ok := self.subs[frame.SubId]
		self.stateLock.Unlock()
		if ok {
			err := decodeFrameError(frame, frame)
			HandleError(func() {
				sub.callback(frame.Snapshot, err)
			})
		}
	default:
		glog.V(2).Infof("[rs]other=%s\n", frame.Type)
	}
}

// best effort. A dropped frame is recovered by the connection teardown
// and resubscribe.
func (self *RemoteStore) post(send chan *gatewayFrame, frame *gatewayFrame) {
	select {
	case send <- frame:
	default:
		glog.Infof("[rs]drop %s->\n", frame.Type)
	}
}

func (self *RemoteStore) request(ctx context.Context, frame *gatewayFrame) (*gatewayFrame, error) {
	self.stateLock.Lock()
	send := self.send
	if send == nil {
		self.stateLock.Unlock()
		return nil, Transient(ErrNotConn)
	}
	requestId := self.nextRequestId
	self.nextRequestId += 1
	result := make(chan *gatewayFrame, 1)
	self.pending[requestId] = result
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
	}()

	frame.RequestId = requestId

	select {
	case send <- frame:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrStoreClosed
	case <-time.After(self.settings.RequestTimeout):
		return nil, Transient(ErrNotConn)
	}

	select {
	case resultFrame := <-result:
		if err := decodeFrameError(frame, resultFrame); err != nil {
			return nil, err
		}
		return resultFrame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrStoreClosed
	case <-time.After(self.settings.RequestTimeout):
		return nil, Transient(errors.New("request timeout"))
	}
}

// restores error identity from the wire so callers can branch on the
// sentinels the same way they do against a local store
func decodeFrameError(request *gatewayFrame, result *gatewayFrame) error {
	if result.Error == "" {
		return nil
	}
	switch result.ErrorKind {
	case errorKindExists:
		return ErrExists
	case errorKindNotFound:
		return &NotFoundError{
			Collection: request.Collection,
			Key:        request.Key,
		}
	case errorKindValidation:
		return NewValidationError(request.Field, result.Error)
	case errorKindTransient:
		return Transient(errors.New(result.Error))
	default:
		return errors.New(result.Error)
	}
}

func (self *RemoteStore) Create(ctx context.Context, collection string, doc *Doc) (*Doc, error) {
	result, err := self.request(ctx, &gatewayFrame{
		Type:       frameTypeCreate,
		Collection: collection,
		Doc:        doc,
	})
	if err != nil {
		return nil, err
	}
	return result.Doc, nil
}

func (self *RemoteStore) Get(ctx context.Context, collection string, key string) (*Doc, error) {
	result, err := self.request(ctx, &gatewayFrame{
		Type:       frameTypeGet,
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		return nil, err
	}
	return result.Doc, nil
}

func (self *RemoteStore) Find(ctx context.Context, query Query) ([]*Doc, error) {
	result, err := self.request(ctx, &gatewayFrame{
		Type:  frameTypeFind,
		Query: &query,
	})
	if err != nil {
		return nil, err
	}
	return result.Docs, nil
}

func (self *RemoteStore) SetField(ctx context.Context, collection string, key string, field string, value string) error {
	_, err := self.request(ctx, &gatewayFrame{
		Type:       frameTypeSetField,
		Collection: collection,
		Key:        key,
		Field:      field,
		Value:      value,
	})
	return err
}

func (self *RemoteStore) AddToSet(ctx context.Context, collection string, key string, field string, member string) error {
	_, err := self.request(ctx, &gatewayFrame{
		Type:       frameTypeAddToSet,
		Collection: collection,
		Key:        key,
		Field:      field,
		Member:     member,
	})
	return err
}

func (self *RemoteStore) RemoveFromSet(ctx context.Context, collection string, key string, field string, member string) error {
	_, err := self.request(ctx, &gatewayFrame{
		Type:       frameTypeRemoveFromSet,
		Collection: collection,
		Key:        key,
		Field:      field,
		Member:     member,
	})
	return err
}

func (self *RemoteStore) Subscribe(query Query, callback SnapshotFunc) func() {
	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	self.subs[subId] = &remoteSub{
		query:    query,
		callback: callback,
	}
	send := self.send
	self.stateLock.Unlock()

	if send != nil {
		self.post(send, &gatewayFrame{
			Type:  frameTypeSubscribe,
			SubId: subId,
			Query: &query,
		})
	} else {
		// stale until a connection delivers the first snapshot
		HandleError(func() {
			callback(nil, Transient(ErrNotConn))
		})
	}

	return func() {
		self.stateLock.Lock()
		_, ok := self.subs[subId]
		delete(self.subs, subId)
		send := self.send
		self.stateLock.Unlock()

		if ok && send != nil {
			self.post(send, &gatewayFrame{
				Type:  frameTypeUnsubscribe,
				SubId: subId,
			})
		}
	}
}

func (self *RemoteStore) Close() {
	self.cancel()
}
