package meelreel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// a responsive document store that the sync components are built on.
// Coordinates many clients on shared documents with:
// - field-level set union/remove primitives, safe under concurrent callers
// - query subscription with server-ordered full-snapshot delivery
// - server-assigned monotonic create timestamps

const OrderByCreatedAt = "createdAt"

// comparable
type Query struct {
	Collection string `json:"collection"`
	// filter to a single document key
	Key        string `json:"key,omitempty"`
	WhereField string `json:"whereField,omitempty"`
	WhereValue string `json:"whereValue,omitempty"`
	OrderBy    string `json:"orderBy,omitempty"`
	Descending bool   `json:"descending,omitempty"`
}

func CollectionQuery(collection string) Query {
	return Query{
		Collection: collection,
	}
}

func DocQuery(collection string, key string) Query {
	return Query{
		Collection: collection,
		Key:        key,
	}
}

func (self Query) Matches(doc *Doc) bool {
	if self.Key != "" && doc.Key != self.Key {
		return false
	}
	if self.WhereField != "" && doc.Field(self.WhereField) != self.WhereValue {
		return false
	}
	return true
}

// order is always by (createdAt, key); `Descending` reverses it.
// With server-monotonic create times the default ascending order is
// insertion order.
func (self Query) sort(docs []*Doc) {
	slices.SortFunc(docs, func(a *Doc, b *Doc) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = strings.Compare(a.Key, b.Key)
		}
		if self.Descending {
			return -c
		}
		return c
	})
}

// a complete ordered materialization of the query's matching documents.
// Each delivery is an authoritative replacement, not a diff.
type Snapshot struct {
	Query    Query  `json:"query"`
	Revision uint64 `json:"revision"`
	Docs     []*Doc `json:"docs"`
}

func (self *Snapshot) Doc(key string) *Doc {
	for _, doc := range self.Docs {
		if doc.Key == key {
			return doc
		}
	}
	return nil
}

func (self *Snapshot) Keys() map[string]bool {
	keys := map[string]bool{}
	for _, doc := range self.Docs {
		keys[doc.Key] = true
	}
	return keys
}

// err != nil means the feed is stale. The consumer must discard state for
// this subscription until a fresh snapshot arrives.
type SnapshotFunc func(snapshot *Snapshot, err error)

type DocumentStore interface {
	// assigns a key and the server create time when `doc.Key` is empty.
	// With an explicit key this is create-if-absent and returns `ErrExists`
	// when the key is already present.
	Create(ctx context.Context, collection string, doc *Doc) (*Doc, error)
	Get(ctx context.Context, collection string, key string) (*Doc, error)
	Find(ctx context.Context, query Query) ([]*Doc, error)
	SetField(ctx context.Context, collection string, key string, field string, value string) error
	// idempotent set primitives. These are the only sanctioned way to
	// mutate a set-valued field.
	AddToSet(ctx context.Context, collection string, key string, field string, member string) error
	RemoveFromSet(ctx context.Context, collection string, key string, field string, member string) error
	// non-blocking. The initial full snapshot and every subsequent change
	// are delivered asynchronously, strictly ordered per subscription.
	// The returned cancel is idempotent; after it returns, zero further
	// deliveries are made.
	Subscribe(query Query, callback SnapshotFunc) func()
}

type MemoryStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock      sync.Mutex
	revision       uint64
	lastCreateTime time.Time
	collections    map[string]map[string]*Doc
	nextSubId      int
	subs           map[int]*memorySub
}

func NewMemoryStore(ctx context.Context) *MemoryStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryStore{
		ctx:         cancelCtx,
		cancel:      cancel,
		collections: map[string]map[string]*Doc{},
		subs:        map[int]*memorySub{},
	}
}

func (self *MemoryStore) Create(ctx context.Context, collection string, doc *Doc) (*Doc, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	docs, ok := self.collections[collection]
	if !ok {
		docs = map[string]*Doc{}
		self.collections[collection] = docs
	}

	stored := doc.Clone()
	if stored.Key == "" {
		stored.Key = NewId().String()
	} else if _, ok := docs[stored.Key]; ok {
		return nil, ErrExists
	}
	stored.CreatedAt = self.serverNow()
	docs[stored.Key] = stored

	glog.V(2).Infof("[store]create %s/%s\n", collection, stored.Key)
	self.commit(collection)
	return stored.Clone(), nil
}

func (self *MemoryStore) Get(ctx context.Context, collection string, key string) (*Doc, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][key]
	if !ok {
		return nil, &NotFoundError{Collection: collection, Key: key}
	}
	return doc.Clone(), nil
}

func (self *MemoryStore) Find(ctx context.Context, query Query) ([]*Doc, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.findLocked(query), nil
}

func (self *MemoryStore) SetField(ctx context.Context, collection string, key string, field string, value string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][key]
	if !ok {
		return &NotFoundError{Collection: collection, Key: key}
	}
	if doc.Field(field) == value {
		return nil
	}
	doc.WithField(field, value)
	glog.V(2).Infof("[store]set %s/%s %s\n", collection, key, field)
	self.commit(collection)
	return nil
}

func (self *MemoryStore) AddToSet(ctx context.Context, collection string, key string, field string, member string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][key]
	if !ok {
		return &NotFoundError{Collection: collection, Key: key}
	}
	if doc.addMember(field, member) {
		glog.V(2).Infof("[store]add %s/%s %s += %s\n", collection, key, field, member)
		self.commit(collection)
	}
	return nil
}

func (self *MemoryStore) RemoveFromSet(ctx context.Context, collection string, key string, field string, member string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][key]
	if !ok {
		return &NotFoundError{Collection: collection, Key: key}
	}
	if doc.removeMember(field, member) {
		glog.V(2).Infof("[store]remove %s/%s %s -= %s\n", collection, key, field, member)
		self.commit(collection)
	}
	return nil
}

func (self *MemoryStore) Subscribe(query Query, callback SnapshotFunc) func() {
	self.stateLock.Lock()

	subId := self.nextSubId
	self.nextSubId += 1
	sub := newMemorySub(query, callback)
	self.subs[subId] = sub
	sub.enqueue(self.snapshotLocked(query))

	self.stateLock.Unlock()

	go sub.run()

	return func() {
		self.stateLock.Lock()
		delete(self.subs, subId)
		self.stateLock.Unlock()
		sub.close()
	}
}

func (self *MemoryStore) Close() {
	self.cancel()

	self.stateLock.Lock()
	subs := self.subs
	self.subs = map[int]*memorySub{}
	self.stateLock.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// must be called with `stateLock`
func (self *MemoryStore) serverNow() time.Time {
	now := time.Now().UTC()
	if !now.After(self.lastCreateTime) {
		now = self.lastCreateTime.Add(time.Microsecond)
	}
	self.lastCreateTime = now
	return now
}

// must be called with `stateLock` after a change to `collection`
func (self *MemoryStore) commit(collection string) {
	self.revision += 1
	for _, sub := range self.subs {
		if sub.query.Collection == collection {
			sub.enqueue(self.snapshotLocked(sub.query))
		}
	}
}

// must be called with `stateLock`
func (self *MemoryStore) findLocked(query Query) []*Doc {
	matched := []*Doc{}
	for _, doc := range self.collections[query.Collection] {
		if query.Matches(doc) {
			matched = append(matched, doc.Clone())
		}
	}
	query.sort(matched)
	return matched
}

// must be called with `stateLock`
func (self *MemoryStore) snapshotLocked(query Query) *Snapshot {
	return &Snapshot{
		Query:    query,
		Revision: self.revision,
		Docs:     self.findLocked(query),
	}
}

// drains an ordered snapshot queue on its own goroutine so a slow consumer
// never blocks writers or reorders deliveries
type memorySub struct {
	query    Query
	callback SnapshotFunc

	mutex  sync.Mutex
	queue  []*Snapshot
	notify *Monitor

	stateLock sync.Mutex
	closed    bool

	closeOnce sync.Once
	done      chan struct{}
}

func newMemorySub(query Query, callback SnapshotFunc) *memorySub {
	return &memorySub{
		query:    query,
		callback: callback,
		queue:    []*Snapshot{},
		notify:   NewMonitor(),
		done:     make(chan struct{}),
	}
}

func (self *memorySub) enqueue(snapshot *Snapshot) {
	self.mutex.Lock()
	self.queue = append(self.queue, snapshot)
	self.mutex.Unlock()
	self.notify.NotifyAll()
}

func (self *memorySub) pop() *Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	snapshot := self.queue[0]
	self.queue[0] = nil
	self.queue = self.queue[1:]
	return snapshot
}

func (self *memorySub) run() {
	for {
		notify := self.notify.NotifyChannel()
		if snapshot := self.pop(); snapshot != nil {
			self.deliver(snapshot)
			continue
		}
		select {
		case <-self.done:
			return
		case <-notify:
		}
	}
}

func (self *memorySub) deliver(snapshot *Snapshot) {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()

	if closed {
		return
	}
	HandleError(func() {
		self.callback(snapshot, nil)
	})
}

// idempotent and non-blocking. No delivery begins after close returns;
// a delivery already in flight may still land concurrently with close.
func (self *memorySub) close() {
	self.closeOnce.Do(func() {
		self.stateLock.Lock()
		self.closed = true
		self.stateLock.Unlock()
		close(self.done)
	})
}
