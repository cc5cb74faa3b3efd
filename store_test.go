package meelreel

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	// a server-assigned key
	a, err := store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "a"))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, "", a.Key)

	// create-if-absent with an explicit key
	_, err = store.Create(ctx, CollectionUsernames, NewDoc("alice"))
	assert.Equal(t, err, nil)
	_, err = store.Create(ctx, CollectionUsernames, NewDoc("alice"))
	assert.Equal(t, ErrExists, err)

	// create times are server-assigned and strictly increasing
	b, err := store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "b"))
	assert.Equal(t, err, nil)
	if !a.CreatedAt.Before(b.CreatedAt) {
		t.Fatalf("create times not increasing: %s then %s", a.CreatedAt, b.CreatedAt)
	}
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	_, err := store.Get(ctx, CollectionUsers, "missing")
	assert.Equal(t, true, IsNotFound(err))

	created, err := store.Create(ctx, CollectionUsers, NewDoc(NewId().String()).WithField(FieldUsername, "alice"))
	assert.Equal(t, err, nil)

	doc, err := store.Get(ctx, CollectionUsers, created.Key)
	assert.Equal(t, err, nil)
	assert.Equal(t, "alice", doc.Field(FieldUsername))

	// the returned doc is a copy, not shared store state
	doc.WithField(FieldUsername, "mallory")
	doc2, err := store.Get(ctx, CollectionUsers, created.Key)
	assert.Equal(t, err, nil)
	assert.Equal(t, "alice", doc2.Field(FieldUsername))
}

func TestMemoryStoreSets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	userId := NewId()
	_, err := store.Create(ctx, CollectionUsers, NewDoc(userId.String()))
	assert.Equal(t, err, nil)

	err = store.AddToSet(ctx, CollectionUsers, userId.String(), FieldFollowers, "b")
	assert.Equal(t, err, nil)
	err = store.AddToSet(ctx, CollectionUsers, userId.String(), FieldFollowers, "a")
	assert.Equal(t, err, nil)
	// adding a present member is a no-op
	err = store.AddToSet(ctx, CollectionUsers, userId.String(), FieldFollowers, "a")
	assert.Equal(t, err, nil)

	doc, err := store.Get(ctx, CollectionUsers, userId.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"a", "b"}, doc.SetMembers(FieldFollowers))
	assert.Equal(t, true, doc.HasMember(FieldFollowers, "a"))
	assert.Equal(t, false, doc.HasMember(FieldFollowers, "c"))

	// removing an absent member is a no-op, not an error
	err = store.RemoveFromSet(ctx, CollectionUsers, userId.String(), FieldFollowers, "c")
	assert.Equal(t, err, nil)
	err = store.RemoveFromSet(ctx, CollectionUsers, userId.String(), FieldFollowers, "a")
	assert.Equal(t, err, nil)

	doc, err = store.Get(ctx, CollectionUsers, userId.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"b"}, doc.SetMembers(FieldFollowers))

	err = store.AddToSet(ctx, CollectionUsers, "missing", FieldFollowers, "a")
	assert.Equal(t, true, IsNotFound(err))
}

func TestMemoryStoreFind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	aliceId := NewId()
	bobId := NewId()

	post := func(authorId Id, name string) {
		doc := NewDoc("").
			WithField(FieldAuthorId, authorId.String()).
			WithField(FieldPostName, name)
		_, err := store.Create(ctx, CollectionPosts, doc)
		assert.Equal(t, err, nil)
	}
	post(aliceId, "first")
	post(bobId, "second")
	post(aliceId, "third")

	// newest first
	docs, err := store.Find(ctx, HomeFeedQuery())
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(docs))
	assert.Equal(t, "third", docs[0].Field(FieldPostName))
	assert.Equal(t, "second", docs[1].Field(FieldPostName))
	assert.Equal(t, "first", docs[2].Field(FieldPostName))

	docs, err = store.Find(ctx, ProfileFeedQuery(aliceId))
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(docs))
	assert.Equal(t, "third", docs[0].Field(FieldPostName))
	assert.Equal(t, "first", docs[1].Field(FieldPostName))
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	snapshots := make(chan *Snapshot, 32)
	unsub := store.Subscribe(CollectionQuery(CollectionPosts), func(snapshot *Snapshot, err error) {
		assert.Equal(t, err, nil)
		snapshots <- snapshot
	})

	// the initial full snapshot
	snapshot := receiveWithTimeout(t, snapshots)
	assert.Equal(t, 0, len(snapshot.Docs))

	created, err := store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "a"))
	assert.Equal(t, err, nil)

	snapshot = receiveWithTimeout(t, snapshots)
	assert.Equal(t, 1, len(snapshot.Docs))
	assert.Equal(t, created.Key, snapshot.Docs[0].Key)

	// revisions are monotonic per subscription
	lastRevision := snapshot.Revision
	err = store.AddToSet(ctx, CollectionPosts, created.Key, FieldLikes, NewId().String())
	assert.Equal(t, err, nil)
	snapshot = receiveWithTimeout(t, snapshots)
	if snapshot.Revision <= lastRevision {
		t.Fatalf("revision not increasing: %d then %d", lastRevision, snapshot.Revision)
	}
	assert.Equal(t, 1, len(snapshot.Docs[0].SetMembers(FieldLikes)))

	// a subscription on another collection does not hear these changes
	otherSnapshots := make(chan *Snapshot, 32)
	otherUnsub := store.Subscribe(CollectionQuery(CollectionUsers), func(snapshot *Snapshot, err error) {
		otherSnapshots <- snapshot
	})
	receiveWithTimeout(t, otherSnapshots)
	_, err = store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "b"))
	assert.Equal(t, err, nil)
	receiveWithTimeout(t, snapshots)
	expectNoReceive(t, otherSnapshots, 100*time.Millisecond)
	otherUnsub()

	unsub()
	// idempotent
	unsub()

	_, err = store.Create(ctx, CollectionPosts, NewDoc("").WithField(FieldPostName, "c"))
	assert.Equal(t, err, nil)
	expectNoReceive(t, snapshots, 100*time.Millisecond)
}
