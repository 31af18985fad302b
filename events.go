package shareddoc

import (
	"sync"

	"github.com/golang/glog"
)

type EventKind int

const (
	EventKindCommit EventKind = iota + 1
	EventKindSubdocs
)

func (self EventKind) String() string {
	switch self {
	case EventKindCommit:
		return "commit"
	case EventKindSubdocs:
		return "subdocs"
	default:
		return "unknown"
	}
}

type Event interface {
	EventKind() EventKind
}

// raised once per committed transaction that produced at least one change.
// Update is the binary update produced by that transaction.
type TransactionEvent struct {
	Update []byte
	Origin Origin
}

func (self TransactionEvent) EventKind() EventKind {
	return EventKindCommit
}

// raised when nested documents are added, removed, or loaded
type SubdocsEvent struct {
	Added   []uint64
	Removed []uint64
	Loaded  []uint64
}

func (self SubdocsEvent) EventKind() EventKind {
	return EventKindSubdocs
}

type callbackEntry[T any] struct {
	callbackId Id
	callback   T
}

// makes a copy of the list on update so that Get is safe to iterate while
// callbacks add or remove entries
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, entry := range self.entries {
		if entry.callbackId == callbackId {
			nextEntries := make([]callbackEntry[T], 0, len(self.entries)-1)
			nextEntries = append(nextEntries, self.entries[:i]...)
			nextEntries = append(nextEntries, self.entries[i+1:]...)
			self.entries = nextEntries
			return
		}
	}
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

// broadcasts updates by closing the notify channel and creating a new one
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

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// The event bus turns the engine's synchronous change callback into zero or
// more independently paced consumer streams. The first stream of a kind
// registers exactly one native callback; the last stream of a kind to go away
// unregisters it. The committing thread only ever performs a non-blocking
// enqueue, so a slow consumer never stalls commit or delivery to others. A
// bounded stream whose buffer is full is treated as abandoned and evicted,
// which keeps the "live consumer sees every event in commit order" guarantee
// total.
type eventBus struct {
	engine Engine

	mutex      sync.Mutex
	streams    map[EventKind][]*EventStream
	nativeSubs map[EventKind]Subscription
}

func newEventBus(engine Engine) *eventBus {
	return &eventBus{
		engine:     engine,
		streams:    map[EventKind][]*EventStream{},
		nativeSubs: map[EventKind]Subscription{},
	}
}

func (self *eventBus) openStream(kind EventKind, capacity int) *EventStream {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.streams[kind]) == 0 {
		var sub Subscription
		switch kind {
		case EventKindSubdocs:
			sub = self.engine.ObserveSubdocs(func(event SubdocsEvent) {
				self.publish(EventKindSubdocs, event)
			})
		default:
			sub = self.engine.Observe(func(event TransactionEvent) {
				self.publish(EventKindCommit, event)
			})
		}
		self.nativeSubs[kind] = sub
	}
	stream := newEventStream(self, kind, capacity)
	self.streams[kind] = append(self.streams[kind], stream)
	return stream
}

func (self *eventBus) publish(kind EventKind, event Event) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var evicted []*EventStream
	for _, stream := range self.streams[kind] {
		if !stream.push(event) {
			evicted = append(evicted, stream)
		}
	}
	for _, stream := range evicted {
		glog.Infof("[events]evict %s stream with a full buffer (%d)\n", kind, stream.capacity)
		self.removeStream(stream)
		stream.terminate()
	}
}

func (self *eventBus) closeStream(stream *EventStream) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, s := range self.streams[stream.kind] {
		if s == stream {
			self.removeStream(stream)
			stream.terminate()
			return
		}
	}
	// already evicted
}

func (self *eventBus) closeAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for kind, streams := range self.streams {
		for _, stream := range streams {
			stream.terminate()
		}
		delete(self.streams, kind)
	}
	for kind, sub := range self.nativeSubs {
		self.engine.Unobserve(sub)
		delete(self.nativeSubs, kind)
	}
}

// must be called inside the bus mutex
func (self *eventBus) removeStream(stream *EventStream) {
	streams := self.streams[stream.kind]
	for i, s := range streams {
		if s == stream {
			self.streams[stream.kind] = append(streams[:i:i], streams[i+1:]...)
			break
		}
	}
	if len(self.streams[stream.kind]) == 0 {
		delete(self.streams, stream.kind)
		if sub, ok := self.nativeSubs[stream.kind]; ok {
			self.engine.Unobserve(sub)
			delete(self.nativeSubs, stream.kind)
		}
	}
}

// One bounded FIFO queue of pending events for one consumer. Insertion order
// is commit order. capacity <= 0 means unbounded; an unbounded stream pumps
// its queue to the channel from its own goroutine so the producer never
// blocks.
type EventStream struct {
	bus      *eventBus
	kind     EventKind
	capacity int

	ch   chan Event
	done chan struct{}

	queueMutex sync.Mutex
	queue      []Event
	closed     bool

	monitor *Monitor
}

func newEventStream(bus *eventBus, kind EventKind, capacity int) *EventStream {
	stream := &EventStream{
		bus:      bus,
		kind:     kind,
		capacity: capacity,
		done:     make(chan struct{}),
		monitor:  NewMonitor(),
	}
	if capacity <= 0 {
		stream.ch = make(chan Event)
		go stream.pump()
	} else {
		stream.ch = make(chan Event, capacity)
	}
	return stream
}

func (self *EventStream) Kind() EventKind {
	return self.kind
}

// Ch yields events in commit order. The channel closes when the consumer
// calls Close or when the stream is evicted.
func (self *EventStream) Ch() <-chan Event {
	return self.ch
}

// Close tears down the consumer side. The producer detects the teardown and
// stops delivering; the last stream of a kind drops the native subscription.
func (self *EventStream) Close() {
	self.bus.closeStream(self)
}

// non-blocking. called inside the bus mutex. false means the stream is full
// and must be evicted.
func (self *EventStream) push(event Event) bool {
	if self.capacity <= 0 {
		self.queueMutex.Lock()
		if self.closed {
			self.queueMutex.Unlock()
			return true
		}
		self.queue = append(self.queue, event)
		self.queueMutex.Unlock()
		self.monitor.NotifyAll()
		return true
	}
	select {
	case self.ch <- event:
		return true
	default:
		return false
	}
}

// called inside the bus mutex, after the stream was removed from the bus
func (self *EventStream) terminate() {
	self.queueMutex.Lock()
	if self.closed {
		self.queueMutex.Unlock()
		return
	}
	self.closed = true
	self.queueMutex.Unlock()

	close(self.done)
	if 0 < self.capacity {
		// the producer is excluded by the bus mutex, so this cannot race a send
		close(self.ch)
	}
	// an unbounded stream's pump closes the channel on exit
}

func (self *EventStream) pump() {
	defer close(self.ch)
	for {
		event, ok, notify := self.next()
		if !ok {
			if notify == nil {
				return
			}
			select {
			case <-notify:
			case <-self.done:
				return
			}
			continue
		}
		select {
		case self.ch <- event:
		case <-self.done:
			return
		}
	}
}

func (self *EventStream) next() (Event, bool, <-chan struct{}) {
	self.queueMutex.Lock()
	defer self.queueMutex.Unlock()

	if 0 < len(self.queue) {
		event := self.queue[0]
		self.queue[0] = nil
		self.queue = self.queue[1:]
		return event, true, nil
	}
	if self.closed {
		return nil, false, nil
	}
	return nil, false, self.monitor.NotifyChannel()
}
