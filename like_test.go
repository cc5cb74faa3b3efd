package meelreel

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func createPost(t *testing.T, store DocumentStore, author *User, name string) *Post {
	doc := NewDoc("").
		WithField(FieldAuthorId, author.Id.String()).
		WithField(FieldUsername, author.Username).
		WithField(FieldPostName, name).
		WithField(FieldMealType, string(MealTypeLunch))
	created, err := store.Create(context.Background(), CollectionPosts, doc)
	assert.Equal(t, err, nil)
	post, err := PostFromDoc(created)
	assert.Equal(t, err, nil)
	return post
}

func requirePost(t *testing.T, store DocumentStore, postId Id) *Post {
	doc, err := store.Get(context.Background(), CollectionPosts, postId.String())
	assert.Equal(t, err, nil)
	post, err := PostFromDoc(doc)
	assert.Equal(t, err, nil)
	return post
}

func TestLike(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	aliceId := createUser(t, store, "alice")
	bobId := createUser(t, store, "bob")
	alice := requireUser(t, store, aliceId)
	post := createPost(t, store, alice, "shakshuka")

	likes := NewLikeManager(store)

	assert.Equal(t, likes.Like(ctx, bobId, post.Id), nil)
	// idempotent
	assert.Equal(t, likes.Like(ctx, bobId, post.Id), nil)

	post = requirePost(t, store, post.Id)
	assert.Equal(t, 1, post.LikeCount())
	assert.Equal(t, true, post.LikedBy(bobId))
	assert.Equal(t, false, post.LikedBy(aliceId))

	assert.Equal(t, likes.Like(ctx, aliceId, post.Id), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, 2, post.LikeCount())

	assert.Equal(t, likes.Unlike(ctx, bobId, post.Id), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, 1, post.LikeCount())
	assert.Equal(t, false, post.LikedBy(bobId))

	// unliking a non-member is a no-op
	assert.Equal(t, likes.Unlike(ctx, bobId, post.Id), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, 1, post.LikeCount())
}

func TestLikeToggle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	aliceId := createUser(t, store, "alice")
	alice := requireUser(t, store, aliceId)
	post := createPost(t, store, alice, "ramen")

	likes := NewLikeManager(store)

	// the toggle decision is made from the snapshot the caller holds
	assert.Equal(t, likes.Toggle(ctx, aliceId, post), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, true, post.LikedBy(aliceId))

	assert.Equal(t, likes.Toggle(ctx, aliceId, post), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, false, post.LikedBy(aliceId))

	// toggling twice from the same stale snapshot is a redundant add then
	// a remove that lands on a valid state
	stale := post
	assert.Equal(t, likes.Toggle(ctx, aliceId, stale), nil)
	assert.Equal(t, likes.Toggle(ctx, aliceId, stale), nil)
	post = requirePost(t, store, post.Id)
	assert.Equal(t, true, post.LikedBy(aliceId))
}
