package collab

import (
	"sync"

	"github.com/golang/glog"
)

// CallbackList is a set of callbacks notified in add order.
// Add returns a callback id that can be passed to Remove.
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	entries        []*callbackListEntry[T]
	nextCallbackId int
}

type callbackListEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.entries = append(self.entries, &callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, entry := range self.entries {
		if entry.callbackId == callbackId {
			self.entries = append(self.entries[:i], self.entries[i+1:]...)
			return
		}
	}
}

// Get returns a copy so callers can iterate without holding the lock.
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

type Event string

const (
	EventDocumentUpdated   Event = "documentUpdated"
	EventCursorUpdated     Event = "cursorUpdated"
	EventSelectionUpdated  Event = "selectionUpdated"
	EventUserJoined        Event = "userJoined"
	EventUserLeft          Event = "userLeft"
	EventConflictDetected  Event = "conflictDetected"
	EventConflictResolved  Event = "conflictResolved"
	EventConnectionChanged Event = "connectionChanged"
	EventPresenceChanged   Event = "presenceChanged"
	EventCommentsChanged   Event = "commentsChanged"
	EventMention           Event = "mention"
	EventLatencyUpdated    Event = "latencyUpdated"
)

type EventCallback func(event Event, payload any)

// Dispatcher is the single fan-out point for session state changes.
// Each observer invocation is isolated so that one panicking
// observer cannot starve the others.
type Dispatcher struct {
	stateLock      sync.Mutex
	eventCallbacks map[Event]*CallbackList[EventCallback]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		eventCallbacks: map[Event]*CallbackList[EventCallback]{},
	}
}

// Subscribe registers a callback for one event.
// The returned function unsubscribes it.
func (self *Dispatcher) Subscribe(event Event, callback EventCallback) func() {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[EventCallback]()
		self.eventCallbacks[event] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// Emit notifies subscribers in subscription order.
// An event with no subscribers is a no-op.
func (self *Dispatcher) Emit(event Event, payload any) {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	for _, callback := range callbacks.Get() {
		func(callback EventCallback) {
			HandleError(func() {
				callback(event, payload)
			}, func(err error) {
				glog.Warningf("[disp]%s callback error from %s = %s\n", event, CallbackName(callback), err)
			})
		}(callback)
	}
}

func (self *Dispatcher) SubscriberCount(event Event) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		return 0
	}
	return callbacks.Count()
}
