// Package sharecontext implements the process-global shared state exposed
// to scripts as t.shareContext: a concurrent string→JSON map plus a
// many-to-many broadcast channel of (event, payload) pairs.
//
// # Concurrency model
//
// The key/value map is a sync.Map: reads are lock-free and writes are
// rare relative to reads on the hot path. Readers observe the last write
// per key. The broadcast side keeps a subscriber list behind a RWMutex;
// publishing takes the read lock only and delivers with a non-blocking
// send, so a slow subscriber drops events rather than stalling the
// publisher.
package sharecontext

import "sync"

// Event is one broadcast (event_name, payload) pair. Payload is a
// JSON-decoded value (map[string]any, []any, string, float64, bool, nil).
type Event struct {
	Name    string
	Payload any
}

// subscriberBuffer bounds each subscriber's channel; events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 1000

// Store is the ShareContext backing store. One Store is created at
// startup and shared by every isolate.
type Store struct {
	kv sync.Map

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New creates an empty Store.
func New() *Store {
	return &Store{subs: make(map[int]chan Event)}
}

// Get returns the value stored at key, or (nil, false).
func (s *Store) Get(key string) (any, bool) {
	return s.kv.Load(key)
}

// Set stores a JSON value at key, replacing any prior value.
func (s *Store) Set(key string, value any) {
	s.kv.Store(key, value)
}

// Delete removes key if present.
func (s *Store) Delete(key string) {
	s.kv.Delete(key)
}

// Keys returns a snapshot of the current keys. Order is unspecified.
func (s *Store) Keys() []string {
	var keys []string
	s.kv.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// Broadcast delivers an event to every current subscriber. Subscribers
// whose buffers are full miss the event.
func (s *Store) Broadcast(name string, payload any) {
	ev := Event{Name: name, Payload: payload}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new broadcast listener. The returned cancel
// function removes the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
