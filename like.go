package meelreel

import (
	"context"
)

// LikeManager owns like-set membership on posts. The toggle decision is
// made from the latest snapshot the caller holds, which may be stale. A
// race between two sessions of the same user can issue a redundant add or
// remove; the set primitives make that harmless and the final state is
// always a valid member/non-member. The displayed count is always derived
// from the set, never stored separately.
type LikeManager struct {
	mutator *SetMutator
}

func NewLikeManager(store DocumentStore) *LikeManager {
	return &LikeManager{
		mutator: NewSetMutatorWithDefaults(store),
	}
}

// decides from the given post snapshot. The reflected state comes back
// through the post's own subscription, not from local bookkeeping.
func (self *LikeManager) Toggle(ctx context.Context, userId Id, post *Post) error {
	if post.LikedBy(userId) {
		return self.Unlike(ctx, userId, post.Id)
	}
	return self.Like(ctx, userId, post.Id)
}

func (self *LikeManager) Like(ctx context.Context, userId Id, postId Id) error {
	return self.mutator.AddMember(ctx, CollectionPosts, postId.String(), FieldLikes, userId.String())
}

func (self *LikeManager) Unlike(ctx context.Context, userId Id, postId Id) error {
	return self.mutator.RemoveMember(ctx, CollectionPosts, postId.String(), FieldLikes, userId.String())
}
