package meelreel

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func startGateway(t *testing.T, ctx context.Context, backing DocumentStore) (*httptest.Server, *Gateway) {
	gateway := NewGatewayWithDefaults(ctx, backing)
	server := httptest.NewServer(gateway)
	return server, gateway
}

func testClientAuth(t *testing.T) *ClientAuth {
	return &ClientAuth{
		ByJwt:      signTestJwt(t, NewId(), "alice"),
		AppVersion: "0.0.0-test",
	}
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// retries until the reconnect loop has attached the first connection
func awaitConnected(t *testing.T, ctx context.Context, store *RemoteStore) {
	timeout := time.After(testTimeout)
	for {
		_, err := store.Find(ctx, CollectionQuery(CollectionUsers))
		if err == nil {
			return
		}
		if !IsTransient(err) {
			t.Fatalf("unexpected error while connecting: %s", err)
		}
		select {
		case <-timeout:
			t.Fatal("timeout waiting for connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGatewayRoundtrip(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(ctx)
	defer backing.Close()

	server, gateway := startGateway(t, ctx, backing)
	defer server.Close()
	defer gateway.Close()

	store := NewRemoteStoreWithDefaults(ctx, wsUrl(server), testClientAuth(t))
	defer store.Close()
	awaitConnected(t, ctx, store)

	// create with a server-assigned key
	created, err := store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "pancakes"))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, "", created.Key)

	doc, err := store.Get(ctx, CollectionPosts, created.Key)
	assert.Equal(t, err, nil)
	assert.Equal(t, "pancakes", doc.Field(FieldPostName))

	// error identity survives the wire
	_, err = store.Create(ctx, CollectionUsernames, NewDoc("alice"))
	assert.Equal(t, err, nil)
	_, err = store.Create(ctx, CollectionUsernames, NewDoc("alice"))
	assert.Equal(t, ErrExists, err)
	_, err = store.Get(ctx, CollectionUsers, "missing")
	assert.Equal(t, true, IsNotFound(err))

	// set primitives
	err = store.AddToSet(ctx, CollectionPosts, created.Key, FieldLikes, "a")
	assert.Equal(t, err, nil)
	doc, err = store.Get(ctx, CollectionPosts, created.Key)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"a"}, doc.SetMembers(FieldLikes))
	err = store.RemoveFromSet(ctx, CollectionPosts, created.Key, FieldLikes, "a")
	assert.Equal(t, err, nil)

	docs, err := store.Find(ctx, HomeFeedQuery())
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(docs))
}

func TestGatewaySubscribe(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(ctx)
	defer backing.Close()

	server, gateway := startGateway(t, ctx, backing)
	defer server.Close()
	defer gateway.Close()

	store := NewRemoteStoreWithDefaults(ctx, wsUrl(server), testClientAuth(t))
	defer store.Close()
	awaitConnected(t, ctx, store)

	deliveries := make(chan *feedDelivery, 32)
	unsub := store.Subscribe(CollectionQuery(CollectionPosts), func(snapshot *Snapshot, err error) {
		deliveries <- &feedDelivery{snapshot: snapshot, err: err}
	})

	delivery := receiveWithTimeout(t, deliveries)
	assert.Equal(t, delivery.err, nil)
	assert.Equal(t, 0, len(delivery.snapshot.Docs))

	// a write on the backing store reaches the remote subscriber
	created, err := backing.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "ramen"))
	assert.Equal(t, err, nil)
	delivery = receiveWithTimeout(t, deliveries)
	assert.Equal(t, delivery.err, nil)
	assert.Equal(t, 1, len(delivery.snapshot.Docs))
	assert.Equal(t, created.Key, delivery.snapshot.Docs[0].Key)

	unsub()
	// drain anything already in flight, then expect silence
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case <-deliveries:
			continue
		default:
		}
		break
	}
	_, err = backing.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "toast"))
	assert.Equal(t, err, nil)
	expectNoReceive(t, deliveries, 100*time.Millisecond)
}

func TestGatewayEndToEndFeed(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(ctx)
	defer backing.Close()

	server, gateway := startGateway(t, ctx, backing)
	defer server.Close()
	defer gateway.Close()

	store := NewRemoteStoreWithDefaults(ctx, wsUrl(server), testClientAuth(t))
	defer store.Close()
	awaitConnected(t, ctx, store)
	loop := NewLoop(ctx)
	defer loop.Close()

	aliceId := createUser(t, store, "alice")
	alice := requireUser(t, store, aliceId)
	post := createPost(t, store, alice, "pancakes")

	// the full aggregation stack over the remote transport
	aggregator := NewFeedAggregator(store, loop, HomeFeedQuery())
	defer aggregator.Close()
	models, unsub := collectFeedModels(aggregator)
	defer unsub()

	awaitFeedModel(t, models, func(model []*FeedItem) bool {
		return len(model) == 1 && model[0].Post.Id == post.Id
	})

	likes := NewLikeManager(store)
	assert.Equal(t, likes.Like(ctx, aliceId, post.Id), nil)
	awaitFeedModel(t, models, func(model []*FeedItem) bool {
		return len(model) == 1 && model[0].Post.LikeCount() == 1
	})
}

func TestRemoteStoreDisconnected(t *testing.T) {
	ctx := context.Background()

	// no gateway is listening
	store := NewRemoteStoreWithDefaults(ctx, "ws://127.0.0.1:1/", testClientAuth(t))
	defer store.Close()

	_, err := store.Get(ctx, CollectionUsers, "alice")
	assert.Equal(t, true, IsTransient(err))
	err = store.AddToSet(ctx, CollectionUsers, "alice", FieldFollowers, "b")
	assert.Equal(t, true, IsTransient(err))

	// a subscription opened while disconnected is immediately stale
	deliveries := make(chan *feedDelivery, 32)
	unsub := store.Subscribe(CollectionQuery(CollectionPosts), func(snapshot *Snapshot, err error) {
		deliveries <- &feedDelivery{snapshot: snapshot, err: err}
	})
	defer unsub()
	delivery := receiveWithTimeout(t, deliveries)
	assert.Equal(t, true, IsTransient(delivery.err))
}

func TestRemoteStoreReconnect(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(ctx)
	defer backing.Close()

	gateway := NewGatewayWithDefaults(ctx, backing)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	addr := listener.Addr().String()
	server := &http.Server{Handler: gateway}
	go server.Serve(listener)

	settings := DefaultRemoteStoreSettings()
	settings.ReconnectTimeout = 20 * time.Millisecond
	store := NewRemoteStore(ctx, "ws://"+addr+"/", testClientAuth(t), settings)
	defer store.Close()
	awaitConnected(t, ctx, store)

	deliveries := make(chan *feedDelivery, 1024)
	unsub := store.Subscribe(CollectionQuery(CollectionPosts), func(snapshot *Snapshot, err error) {
		deliveries <- &feedDelivery{snapshot: snapshot, err: err}
	})
	defer unsub()

	delivery := receiveWithTimeout(t, deliveries)
	assert.Equal(t, delivery.err, nil)
	assert.Equal(t, 0, len(delivery.snapshot.Docs))

	// a closed server does not reach into hijacked websockets, so the
	// gateway teardown is what drops the live connection
	server.Close()
	gateway.Close()

	// stale while the connection is down
	timeout := time.After(testTimeout)
	for delivery.err == nil {
		select {
		case delivery = <-deliveries:
		case <-timeout:
			t.Fatal("timeout waiting for stale delivery")
		}
	}

	// a write the client misses while disconnected
	created, err := backing.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "ramen"))
	assert.Equal(t, err, nil)

	// bring the gateway back on the same address
	var listener2 net.Listener
	for {
		listener2, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-timeout:
			t.Fatalf("could not rebind %s: %s", addr, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	gateway2 := NewGatewayWithDefaults(ctx, backing)
	defer gateway2.Close()
	server2 := &http.Server{Handler: gateway2}
	go server2.Serve(listener2)
	defer server2.Close()

	// the resubscribe delivers a fresh full snapshot with the missed write
	for {
		select {
		case delivery = <-deliveries:
			if delivery.err == nil && len(delivery.snapshot.Docs) == 1 {
				assert.Equal(t, created.Key, delivery.snapshot.Docs[0].Key)
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for reconnect redelivery")
		}
	}
}

func TestRemoteStoreDisconnect(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(ctx)
	defer backing.Close()

	server, gateway := startGateway(t, ctx, backing)
	defer gateway.Close()

	store := NewRemoteStoreWithDefaults(ctx, wsUrl(server), testClientAuth(t))
	defer store.Close()
	awaitConnected(t, ctx, store)

	deliveries := make(chan *feedDelivery, 32)
	unsub := store.Subscribe(CollectionQuery(CollectionPosts), func(snapshot *Snapshot, err error) {
		deliveries <- &feedDelivery{snapshot: snapshot, err: err}
	})
	defer unsub()

	delivery := receiveWithTimeout(t, deliveries)
	assert.Equal(t, delivery.err, nil)

	// losing the connection marks the subscription stale; a closed server
	// does not reach into hijacked websockets, so the gateway teardown is
	// what drops the live connection
	gateway.Close()
	server.Close()
	timeout := time.After(testTimeout)
	for {
		select {
		case delivery := <-deliveries:
			if delivery.err != nil {
				assert.Equal(t, true, IsTransient(delivery.err))
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for stale delivery")
		}
	}
}
