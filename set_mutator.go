package meelreel

import (
	"context"
	"time"

	"github.com/golang/glog"
)

func DefaultSetMutatorSettings() *SetMutatorSettings {
	return &SetMutatorSettings{
		RetryTimeout:  200 * time.Millisecond,
		MaxRetryCount: 8,
	}
}

type SetMutatorSettings struct {
	// time between successive attempts after a transient failure
	RetryTimeout  time.Duration
	MaxRetryCount int
}

// SetMutator applies idempotent add/remove operations to a set-valued
// field. Because the store primitive is set-semantic, concurrent callers
// on the same field never lose each other's writes, and replaying an
// operation after a timeout is always safe.
type SetMutator struct {
	store    DocumentStore
	settings *SetMutatorSettings
}

func NewSetMutatorWithDefaults(store DocumentStore) *SetMutator {
	return NewSetMutator(store, DefaultSetMutatorSettings())
}

func NewSetMutator(store DocumentStore, settings *SetMutatorSettings) *SetMutator {
	return &SetMutator{
		store:    store,
		settings: settings,
	}
}

func (self *SetMutator) AddMember(ctx context.Context, collection string, key string, field string, member string) error {
	return self.apply(ctx, "add", func() error {
		return self.store.AddToSet(ctx, collection, key, field, member)
	})
}

// removing an absent member is a no-op, not an error
func (self *SetMutator) RemoveMember(ctx context.Context, collection string, key string, field string, member string) error {
	return self.apply(ctx, "remove", func() error {
		return self.store.RemoveFromSet(ctx, collection, key, field, member)
	})
}

func (self *SetMutator) apply(ctx context.Context, tag string, op func() error) error {
	var lastErr error
	for i := 0; i <= self.settings.MaxRetryCount; i += 1 {
		if 0 < i {
			glog.Infof("[set]%s retry %d = %s\n", tag, i, lastErr)
			reconnect := NewReconnect(self.settings.RetryTimeout)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-reconnect.After():
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
