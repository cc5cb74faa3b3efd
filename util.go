package meelreel

import (
	"context"
	"sync"
	"time"
)

// Monitor broadcasts state changes to any number of waiters. Waiters take
// the current `NotifyChannel`, check state, then select on the channel.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

// close the update channel and create a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	callbackOrder  []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:     map[int]T{},
		callbackOrder: []int{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackOrder))
	for _, callbackId := range self.callbackOrder {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.callbackOrder = append(self.callbackOrder, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackOrder := []int{}
	for _, orderedId := range self.callbackOrder {
		if orderedId != callbackId {
			nextCallbackOrder = append(nextCallbackOrder, orderedId)
		}
	}
	self.callbackOrder = nextCallbackOrder
}

type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.timeout)
}

// Loop is the consumer execution context. All deliveries and all consumer
// state mutation are marshaled onto the loop goroutine, so component state
// is sequential with respect to itself. Events queue without bound, so an
// event running on the loop can post further events.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	mutex  sync.Mutex
	queue  []func()
	notify *Monitor
}

func NewLoop(ctx context.Context) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &Loop{
		ctx:    cancelCtx,
		cancel: cancel,
		queue:  []func(){},
		notify: NewMonitor(),
	}
	go loop.run()
	return loop
}

func (self *Loop) run() {
	for {
		notify := self.notify.NotifyChannel()
		if event := self.pop(); event != nil {
			HandleError(event)
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

func (self *Loop) pop() func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	event := self.queue[0]
	self.queue[0] = nil
	self.queue = self.queue[1:]
	return event
}

// never blocks. Returns false if the loop is closed.
func (self *Loop) Post(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}

	self.mutex.Lock()
	self.queue = append(self.queue, event)
	self.mutex.Unlock()
	self.notify.NotifyAll()
	return true
}

// posts and waits for the event to complete. Must not be called from the
// loop goroutine.
func (self *Loop) PostBlocking(event func()) bool {
	done := make(chan struct{})
	posted := self.Post(func() {
		defer close(done)
		event()
	})
	if !posted {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-done:
		return true
	}
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Loop) Close() {
	self.cancel()
}
