package meelreel

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// one visible post with its live comment stream. Comments are in
// insertion order (chronological ascending) as delivered by the nested
// feed; the items themselves are in the top-level feed order.
type FeedItem struct {
	Post     *Post
	Comments []*Comment
}

// err != nil means the top-level feed is stale and the model must be
// discarded until the next delivery
type FeedModelFunc func(model []*FeedItem, err error)

func HomeFeedQuery() Query {
	return Query{
		Collection: CollectionPosts,
		OrderBy:    OrderByCreatedAt,
		Descending: true,
	}
}

func ProfileFeedQuery(authorId Id) Query {
	return Query{
		Collection: CollectionPosts,
		WhereField: FieldAuthorId,
		WhereValue: authorId.String(),
		OrderBy:    OrderByCreatedAt,
		Descending: true,
	}
}

func MealTypeFeedQuery(mealType MealType) Query {
	return Query{
		Collection: CollectionPosts,
		WhereField: FieldMealType,
		WhereValue: string(mealType),
		OrderBy:    OrderByCreatedAt,
		Descending: true,
	}
}

// FeedAggregator composes the ordered post stream with nested live
// comment and like-set substreams per visible post. On every top-level
// delivery the set of visible post ids is reconciled against the previous
// delivery as a pure diff: newly appearing ids open nested subscriptions,
// ids no longer present have theirs cancelled. Nested subscriptions are
// never unconditionally reopened, so the subscription count is bounded by
// the visible post count.
type FeedAggregator struct {
	store DocumentStore
	loop  *Loop

	postsFeed      *ChangeFeed
	unsubPosts     func()
	modelCallbacks *CallbackList[FeedModelFunc]

	// state below is confined to the consumer loop
	stale     bool
	order     []string
	topPosts  map[string]*Post
	livePosts map[string]*Post
	comments  map[string][]*Comment
	nested    map[string]*nestedFeeds

	modelLock   sync.Mutex
	latestModel []*FeedItem

	closeOnce sync.Once
}

type nestedFeeds struct {
	postFeed      *ChangeFeed
	commentFeed   *ChangeFeed
	unsubPost     func()
	unsubComments func()
}

func (self *nestedFeeds) close() {
	self.unsubPost()
	self.unsubComments()
	self.postFeed.Close()
	self.commentFeed.Close()
}

func NewFeedAggregator(store DocumentStore, loop *Loop, query Query) *FeedAggregator {
	aggregator := &FeedAggregator{
		store:          store,
		loop:           loop,
		modelCallbacks: NewCallbackList[FeedModelFunc](),
		order:          []string{},
		topPosts:       map[string]*Post{},
		livePosts:      map[string]*Post{},
		comments:       map[string][]*Comment{},
		nested:         map[string]*nestedFeeds{},
	}
	aggregator.postsFeed = NewChangeFeed(store, loop, query)
	aggregator.unsubPosts = aggregator.postsFeed.AddSnapshotCallback(aggregator.reconcile)
	return aggregator
}

// the latest emitted model, in top-level feed order
func (self *FeedAggregator) Model() []*FeedItem {
	self.modelLock.Lock()
	defer self.modelLock.Unlock()
	return self.latestModel
}

func (self *FeedAggregator) AddModelCallback(callback FeedModelFunc) func() {
	callbackId := self.modelCallbacks.Add(callback)
	self.loop.Post(func() {
		if model := self.Model(); model != nil {
			HandleError(func() {
				callback(model, nil)
			})
		}
	})
	return func() {
		self.modelCallbacks.Remove(callbackId)
	}
}

// SnapshotFunc for the top-level post query. Runs on the consumer loop.
func (self *FeedAggregator) reconcile(snapshot *Snapshot, err error) {
	if err != nil {
		// top-level feed is stale. Keep the nested subscriptions; the next
		// authoritative snapshot re-diffs against the current visible set.
		// Until then no model is emitted, even when a nested feed delivers.
		self.stale = true
		self.emitError(err)
		return
	}
	self.stale = false

	visible := snapshot.Keys()

	order := make([]string, 0, len(snapshot.Docs))
	for _, doc := range snapshot.Docs {
		order = append(order, doc.Key)
		if post, parseErr := PostFromDoc(doc); parseErr == nil {
			self.topPosts[doc.Key] = post
		} else {
			glog.Infof("[agg]bad post %s = %s\n", doc.Key, parseErr)
			continue
		}
		if _, ok := self.nested[doc.Key]; !ok {
			self.openNested(doc.Key)
		}
	}

	for key, nested := range self.nested {
		if !visible[key] {
			nested.close()
			delete(self.nested, key)
			delete(self.topPosts, key)
			delete(self.livePosts, key)
			delete(self.comments, key)
		}
	}

	self.order = order
	self.emit()
}

func (self *FeedAggregator) openNested(key string) {
	postId, err := ParseId(key)
	if err != nil {
		glog.Infof("[agg]bad post key %s\n", key)
		return
	}

	postFeed := NewChangeFeed(self.store, self.loop, DocQuery(CollectionPosts, key))
	unsubPost := postFeed.AddSnapshotCallback(func(snapshot *Snapshot, err error) {
		if _, ok := self.nested[key]; !ok {
			return
		}
		if err != nil {
			// stale like-set, fall back to the top-level copy
			delete(self.livePosts, key)
			self.emit()
			return
		}
		if doc := snapshot.Doc(key); doc != nil {
			if post, parseErr := PostFromDoc(doc); parseErr == nil {
				self.livePosts[key] = post
			}
		}
		self.emit()
	})

	commentFeed := NewChangeFeed(self.store, self.loop, CollectionQuery(CommentsCollection(postId)))
	unsubComments := commentFeed.AddSnapshotCallback(func(snapshot *Snapshot, err error) {
		if _, ok := self.nested[key]; !ok {
			return
		}
		if err != nil {
			delete(self.comments, key)
			self.emit()
			return
		}
		comments := make([]*Comment, 0, len(snapshot.Docs))
		for _, doc := range snapshot.Docs {
			if comment, parseErr := CommentFromDoc(postId, doc); parseErr == nil {
				comments = append(comments, comment)
			} else {
				glog.Infof("[agg]bad comment %s/%s = %s\n", key, doc.Key, parseErr)
			}
		}
		self.comments[key] = comments
		self.emit()
	})

	self.nested[key] = &nestedFeeds{
		postFeed:      postFeed,
		commentFeed:   commentFeed,
		unsubPost:     unsubPost,
		unsubComments: unsubComments,
	}
}

// must be called on the consumer loop
func (self *FeedAggregator) emit() {
	if self.stale {
		// a nested delivery cannot revive a stale top-level model
		return
	}

	model := make([]*FeedItem, 0, len(self.order))
	for _, key := range self.order {
		post := self.livePosts[key]
		if post == nil {
			post = self.topPosts[key]
		}
		if post == nil {
			continue
		}
		model = append(model, &FeedItem{
			Post:     post,
			Comments: slices.Clone(self.comments[key]),
		})
	}

	self.modelLock.Lock()
	self.latestModel = model
	self.modelLock.Unlock()

	for _, callback := range self.modelCallbacks.Get() {
		HandleError(func() {
			callback(model, nil)
		})
	}
}

func (self *FeedAggregator) emitError(err error) {
	self.modelLock.Lock()
	self.latestModel = nil
	self.modelLock.Unlock()

	for _, callback := range self.modelCallbacks.Get() {
		HandleError(func() {
			callback(nil, err)
		})
	}
}

func (self *FeedAggregator) Close() {
	self.closeOnce.Do(func() {
		self.unsubPosts()
		self.postsFeed.Close()
		self.loop.Post(func() {
			for key, nested := range self.nested {
				nested.close()
				delete(self.nested, key)
			}
		})
	})
}
