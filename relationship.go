package meelreel

import (
	"context"
	"time"

	"github.com/golang/glog"
)

func DefaultRelationshipGraphSettings() *RelationshipGraphSettings {
	return &RelationshipGraphSettings{
		PairRetryTimeout:  200 * time.Millisecond,
		MaxPairRetryCount: 4,
	}
}

type RelationshipGraphSettings struct {
	PairRetryTimeout  time.Duration
	MaxPairRetryCount int
}

// RelationshipGraph owns the follow edge invariant: "A follows B" is the
// conjunction of `B in A.following` and `A in B.followers`. The two writes
// are not transactional across the user documents. The invariant is held
// at the protocol level instead: both halves are always issued as a pair
// in the same call and retried as a pair, so the mirrored facts reconverge
// even when a crash interrupts between the writes.
type RelationshipGraph struct {
	store    DocumentStore
	mutator  *SetMutator
	settings *RelationshipGraphSettings
}

func NewRelationshipGraphWithDefaults(store DocumentStore) *RelationshipGraph {
	return NewRelationshipGraph(store, DefaultRelationshipGraphSettings())
}

func NewRelationshipGraph(store DocumentStore, settings *RelationshipGraphSettings) *RelationshipGraph {
	return &RelationshipGraph{
		store:    store,
		mutator:  NewSetMutatorWithDefaults(store),
		settings: settings,
	}
}

func (self *RelationshipGraph) Follow(ctx context.Context, followerId Id, followedId Id) error {
	return self.applyPair(ctx, followerId, followedId, true)
}

func (self *RelationshipGraph) Unfollow(ctx context.Context, followerId Id, followedId Id) error {
	return self.applyPair(ctx, followerId, followedId, false)
}

func (self *RelationshipGraph) applyPair(ctx context.Context, followerId Id, followedId Id, add bool) error {
	if followerId == followedId {
		return NewValidationError("user", "cannot follow yourself")
	}

	tag := "follow"
	if !add {
		tag = "unfollow"
	}

	followingConfirmed := false
	followersConfirmed := false
	var lastErr error
	for i := 0; i < self.settings.MaxPairRetryCount; i += 1 {
		if 0 < i {
			glog.Infof("[rel]%s retry %d %s->%s = %s\n", tag, i, followerId, followedId, lastErr)
			reconnect := NewReconnect(self.settings.PairRetryTimeout)
			select {
			case <-ctx.Done():
				return self.pairResult(followerId, followedId, followingConfirmed, followersConfirmed, ctx.Err())
			case <-reconnect.After():
			}
		}

		// always reissue the whole pair. The set primitives are idempotent
		// so replaying an already-confirmed half is safe.
		followingErr := self.half(ctx, followerId, FieldFollowing, followedId, add)
		if followingErr == nil {
			followingConfirmed = true
		}
		followersErr := self.half(ctx, followedId, FieldFollowers, followerId, add)
		if followersErr == nil {
			followersConfirmed = true
		}

		if followingErr == nil && followersErr == nil {
			return nil
		}
		if followingErr != nil {
			lastErr = followingErr
		} else {
			lastErr = followersErr
		}
		// replay cannot heal a terminal error
		if !IsTransient(lastErr) {
			break
		}
	}

	return self.pairResult(followerId, followedId, followingConfirmed, followersConfirmed, lastErr)
}

func (self *RelationshipGraph) pairResult(followerId Id, followedId Id, followingConfirmed bool, followersConfirmed bool, lastErr error) error {
	if followingConfirmed != followersConfirmed {
		confirmedHalf := FieldFollowing
		if followersConfirmed {
			confirmedHalf = FieldFollowers
		}
		return &PartialRelationshipWriteError{
			FollowerId:    followerId,
			FollowedId:    followedId,
			ConfirmedHalf: confirmedHalf,
			Err:           lastErr,
		}
	}
	return lastErr
}

func (self *RelationshipGraph) half(ctx context.Context, userId Id, field string, member Id, add bool) error {
	if add {
		return self.mutator.AddMember(ctx, CollectionUsers, userId.String(), field, member.String())
	}
	return self.mutator.RemoveMember(ctx, CollectionUsers, userId.String(), field, member.String())
}

// list operations for the relationship modal. One-shot reads; live follow
// state for UI comes from a change feed on the user documents, never from
// a cache of these results.
func (self *RelationshipGraph) Followers(ctx context.Context, userId Id) ([]*User, error) {
	return self.members(ctx, userId, FieldFollowers)
}

func (self *RelationshipGraph) Following(ctx context.Context, userId Id) ([]*User, error) {
	return self.members(ctx, userId, FieldFollowing)
}

func (self *RelationshipGraph) members(ctx context.Context, userId Id, field string) ([]*User, error) {
	doc, err := self.store.Get(ctx, CollectionUsers, userId.String())
	if err != nil {
		return nil, err
	}
	users := []*User{}
	for _, member := range doc.SetMembers(field) {
		memberDoc, err := self.store.Get(ctx, CollectionUsers, member)
		if err != nil {
			if IsNotFound(err) {
				// half-written edge, skip until it converges
				continue
			}
			return nil, err
		}
		user, err := UserFromDoc(memberDoc)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}
