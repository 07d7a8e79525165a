// Package bus fans lifecycle, lock and restart events out to in-process
// subscribers such as the websocket stream.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is one published message. Seq increases by one per Publish, so a
// consumer can spot events it missed.
type Event struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
	closed   bool
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus delivers without blocking: a slow subscriber loses events rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
	seq  atomic.Uint64
	now  func() time.Time
}

func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe matches topics starting with any of prefixes. No prefixes, or
// an empty one, matches every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{ch: make(chan Event, defaultBufferSize)}
	for _, p := range prefixes {
		if p == "" {
			sub.prefixes = nil
			break
		}
		sub.prefixes = append(sub.prefixes, p)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Publish is a no-op on a nil Bus so components can run without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		Time:    b.now().UTC(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
