package meelreel

import (
	"sync"
)

type Counts struct {
	Followers int
	Following int
	Posts     int
}

type CountsFunc func(counts Counts)

// CounterView derives the profile counters from live snapshots of the
// user document and the user's post query. There is no separately stored
// counter field anywhere, so the counts cannot drift from the sets and
// streams they describe.
type CounterView struct {
	userId Id
	loop   *Loop

	userFeed  *ChangeFeed
	postsFeed *ChangeFeed

	unsubUser  func()
	unsubPosts func()

	countsCallbacks *CallbackList[CountsFunc]

	// loop-confined
	followers int
	following int
	posts     int
	haveUser  bool
	havePosts bool

	countsLock sync.Mutex
	latest     Counts
	ready      bool

	closeOnce sync.Once
}

func NewCounterView(store DocumentStore, loop *Loop, userId Id) *CounterView {
	view := &CounterView{
		userId:          userId,
		loop:            loop,
		countsCallbacks: NewCallbackList[CountsFunc](),
	}
	view.userFeed = NewChangeFeed(store, loop, DocQuery(CollectionUsers, userId.String()))
	view.unsubUser = view.userFeed.AddSnapshotCallback(view.updateUser)
	view.postsFeed = NewChangeFeed(store, loop, ProfileFeedQuery(userId))
	view.unsubPosts = view.postsFeed.AddSnapshotCallback(view.updatePosts)
	return view
}

// the latest derived counts, or false until both feeds have delivered or
// while either is stale
func (self *CounterView) Counts() (Counts, bool) {
	self.countsLock.Lock()
	defer self.countsLock.Unlock()
	return self.latest, self.ready
}

func (self *CounterView) AddCountsCallback(callback CountsFunc) func() {
	callbackId := self.countsCallbacks.Add(callback)
	self.loop.Post(func() {
		if counts, ok := self.Counts(); ok {
			HandleError(func() {
				callback(counts)
			})
		}
	})
	return func() {
		self.countsCallbacks.Remove(callbackId)
	}
}

// SnapshotFunc, on the consumer loop
func (self *CounterView) updateUser(snapshot *Snapshot, err error) {
	if err != nil {
		self.haveUser = false
		self.publish()
		return
	}
	doc := snapshot.Doc(self.userId.String())
	if doc == nil {
		self.haveUser = false
		self.publish()
		return
	}
	self.followers = len(doc.SetMembers(FieldFollowers))
	self.following = len(doc.SetMembers(FieldFollowing))
	self.haveUser = true
	self.publish()
}

// SnapshotFunc, on the consumer loop
func (self *CounterView) updatePosts(snapshot *Snapshot, err error) {
	if err != nil {
		self.havePosts = false
		self.publish()
		return
	}
	self.posts = len(snapshot.Docs)
	self.havePosts = true
	self.publish()
}

// must be called on the consumer loop
func (self *CounterView) publish() {
	ready := self.haveUser && self.havePosts
	counts := Counts{
		Followers: self.followers,
		Following: self.following,
		Posts:     self.posts,
	}

	self.countsLock.Lock()
	self.ready = ready
	self.latest = counts
	self.countsLock.Unlock()

	if !ready {
		return
	}
	for _, callback := range self.countsCallbacks.Get() {
		HandleError(func() {
			callback(counts)
		})
	}
}

func (self *CounterView) Close() {
	self.closeOnce.Do(func() {
		self.unsubUser()
		self.unsubPosts()
		self.userFeed.Close()
		self.postsFeed.Close()
	})
}
