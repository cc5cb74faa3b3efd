package meelreel

import (
	"context"
	"errors"
	"strings"

	"github.com/golang/glog"
)

// Registry owns the registration, profile and publishing flows. Identity
// is an explicit value passed in by the caller, never read from ambient
// process state, so multiple concurrent identities can share a process.
type Registry struct {
	store DocumentStore
	media MediaStorage
}

func NewRegistry(store DocumentStore, media MediaStorage) *Registry {
	return &Registry{
		store: store,
		media: media,
	}
}

// reserves the username, then creates the user document. The reservation
// is a create-if-absent on the username index, which keeps username -> id
// unique for the lifetime of the account.
func (self *Registry) Register(ctx context.Context, identity Id, username string, email string) (*User, error) {
	if username == "" {
		return nil, NewValidationError("username", "required")
	}
	if email == "" {
		return nil, NewValidationError("email", "required")
	}

	index := NewDoc(username).WithField(FieldUserId, identity.String())
	if _, err := self.store.Create(ctx, CollectionUsernames, index); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, NewValidationError("username", "username is already taken")
		}
		return nil, err
	}

	doc := NewDoc(identity.String()).
		WithField(FieldUsername, username).
		WithField(FieldEmail, email)
	created, err := self.store.Create(ctx, CollectionUsers, doc)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return nil, NewValidationError("username", "account already registered")
		}
		return nil, err
	}

	glog.Infof("[reg]registered %s as %q\n", identity, username)
	return UserFromDoc(created)
}

// a missing username is an explicit not-found state, not an error path
func (self *Registry) LookupByUsername(ctx context.Context, username string) (*User, error) {
	index, err := self.store.Get(ctx, CollectionUsernames, username)
	if err != nil {
		return nil, err
	}
	doc, err := self.store.Get(ctx, CollectionUsers, index.Field(FieldUserId))
	if err != nil {
		return nil, err
	}
	return UserFromDoc(doc)
}

// uploads through the storage collaborator and stores only the returned
// opaque reference
func (self *Registry) SetProfilePic(ctx context.Context, userId Id, data []byte) (string, error) {
	ref, err := self.media.Upload(ctx, data)
	if err != nil {
		return "", err
	}
	if err := self.store.SetField(ctx, CollectionUsers, userId.String(), FieldProfilePicRef, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (self *Registry) CreatePost(ctx context.Context, author *User, name string, description string, mealType MealType, media []byte) (*Post, error) {
	if name == "" {
		return nil, NewValidationError("postName", "required")
	}
	if _, err := ParseMealType(string(mealType)); err != nil {
		return nil, NewValidationError("mealType", "select a meal type")
	}

	mediaRef := ""
	if media != nil {
		ref, err := self.media.Upload(ctx, media)
		if err != nil {
			return nil, err
		}
		mediaRef = ref
	}

	doc := NewDoc("").
		WithField(FieldAuthorId, author.Id.String()).
		WithField(FieldUsername, author.Username).
		WithField(FieldPostName, name).
		WithField(FieldPostDescription, description).
		WithField(FieldMealType, string(mealType)).
		WithField(FieldMediaRef, mediaRef)
	created, err := self.store.Create(ctx, CollectionPosts, doc)
	if err != nil {
		return nil, err
	}
	return PostFromDoc(created)
}

// append-only insert under the parent post. Comments are never mutated or
// deleted.
func (self *Registry) AddComment(ctx context.Context, author *User, postId Id, text string) (*Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewValidationError("text", "required")
	}
	if _, err := self.store.Get(ctx, CollectionPosts, postId.String()); err != nil {
		return nil, err
	}

	doc := NewDoc("").
		WithField(FieldAuthorId, author.Id.String()).
		WithField(FieldUsername, author.Username).
		WithField(FieldText, text)
	created, err := self.store.Create(ctx, CommentsCollection(postId), doc)
	if err != nil {
		return nil, err
	}
	return CommentFromDoc(postId, created)
}
