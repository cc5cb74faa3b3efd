package meelreel

import (
	"sync"

	"github.com/golang/glog"
)

// ChangeFeed turns a query on the remote store into a live ordered
// sequence of snapshots on the consumer loop. Within one feed no delivery
// describes a state older than the previous delivery. An error delivery
// marks the feed stale; consumers discard their state for this feed until
// the next full snapshot arrives.
type ChangeFeed struct {
	store DocumentStore
	loop  *Loop
	query Query

	snapshotCallbacks *CallbackList[SnapshotFunc]

	stateLock    sync.Mutex
	current      *Snapshot
	stale        bool
	lastRevision uint64
	seenRevision bool
	closed       bool

	closeOnce sync.Once
	unsub     func()
}

func NewChangeFeed(store DocumentStore, loop *Loop, query Query) *ChangeFeed {
	feed := &ChangeFeed{
		store:             store,
		loop:              loop,
		query:             query,
		snapshotCallbacks: NewCallbackList[SnapshotFunc](),
	}
	feed.unsub = store.Subscribe(query, feed.receive)
	return feed
}

func (self *ChangeFeed) Query() Query {
	return self.query
}

// the latest authoritative snapshot, or false while the feed is stale or
// the initial read has not arrived yet
func (self *ChangeFeed) Current() (*Snapshot, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stale || self.current == nil {
		return nil, false
	}
	return self.current, true
}

// the callback immediately receives the current snapshot, if there is one,
// then every subsequent delivery. The returned unsub is idempotent.
func (self *ChangeFeed) AddSnapshotCallback(callback SnapshotFunc) func() {
	callbackId := self.snapshotCallbacks.Add(callback)
	self.loop.Post(func() {
		if snapshot, ok := self.Current(); ok {
			HandleError(func() {
				callback(snapshot, nil)
			})
		}
	})
	return func() {
		self.snapshotCallbacks.Remove(callbackId)
	}
}

// SnapshotFunc. Deliveries arrive on the store's delivery goroutine and
// are marshaled onto the consumer loop before touching consumer state.
func (self *ChangeFeed) receive(snapshot *Snapshot, err error) {
	self.loop.Post(func() {
		if err != nil {
			self.stateLock.Lock()
			if self.closed {
				self.stateLock.Unlock()
				return
			}
			self.stale = true
			self.current = nil
			self.stateLock.Unlock()

			glog.Infof("[feed]stale %s = %s\n", self.query.Collection, err)
			for _, callback := range self.snapshotCallbacks.Get() {
				HandleError(func() {
					callback(nil, err)
				})
			}
			return
		}

		self.stateLock.Lock()
		if self.closed {
			self.stateLock.Unlock()
			return
		}
		if self.seenRevision && snapshot.Revision < self.lastRevision {
			// out of order, drop
			self.stateLock.Unlock()
			glog.V(2).Infof("[feed]drop %s rev=%d < %d\n", self.query.Collection, snapshot.Revision, self.lastRevision)
			return
		}
		self.lastRevision = snapshot.Revision
		self.seenRevision = true
		self.stale = false
		self.current = snapshot
		self.stateLock.Unlock()

		glog.V(2).Infof("[feed]%s rev=%d n=%d\n", self.query.Collection, snapshot.Revision, len(snapshot.Docs))
		for _, callback := range self.snapshotCallbacks.Get() {
			HandleError(func() {
				callback(snapshot, nil)
			})
		}
	})
}

// idempotent and safe to call after the feed's backing scope has ended
func (self *ChangeFeed) Close() {
	self.closeOnce.Do(func() {
		self.stateLock.Lock()
		self.closed = true
		self.stateLock.Unlock()
		self.unsub()
	})
}
