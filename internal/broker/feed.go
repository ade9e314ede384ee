package broker

import (
	"context"
	"sync"

	"replenishment-service/internal/models"
)

// ChangeCallback is invoked for every change event on a subscribed stream
type ChangeCallback func(ctx context.Context, event *models.ChangeEvent)

// ChangeFeed fans change events out to in-process subscribers.
// It is independent of the transport that delivers the events.
type ChangeFeed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]ChangeCallback
}

// NewChangeFeed creates an empty feed
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[string]map[int]ChangeCallback)}
}

// OnChange registers callback for stream and returns a function that removes it
func (f *ChangeFeed) OnChange(stream string, callback ChangeCallback) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.subs[stream] == nil {
		f.subs[stream] = make(map[int]ChangeCallback)
	}
	f.subs[stream][id] = callback

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[stream], id)
		})
	}
}

// Dispatch calls every subscriber of the event's stream
func (f *ChangeFeed) Dispatch(ctx context.Context, event *models.ChangeEvent) {
	f.mu.RLock()
	callbacks := make([]ChangeCallback, 0, len(f.subs[event.Stream]))
	for _, cb := range f.subs[event.Stream] {
		callbacks = append(callbacks, cb)
	}
	f.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ctx, event)
	}
}

// Subscribers returns the number of callbacks registered for stream
func (f *ChangeFeed) Subscribers(stream string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[stream])
}
