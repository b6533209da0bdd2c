// Package memory is the in-process publisher used when Pub/Sub is disabled:
// a bounded ring of the most recent procedure events, inspectable from tests
// and ops tooling.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultCapacity = 256

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload any
}

// Publisher keeps the last capacity messages, oldest evicted first.
type Publisher struct {
	mu    sync.Mutex
	ring  []Message
	next  int
	total int
}

// New returns a Publisher holding at most capacity messages. Non-positive
// capacity falls back to the default.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{ring: make([]Message, 0, capacity)}
}

// Publish records the message and returns a sequence-numbered pseudo ID.
// It never fails, matching the crawler's treatment of publishes as
// best-effort side effects.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := Message{Topic: topic, Payload: payload}
	if len(p.ring) < cap(p.ring) {
		p.ring = append(p.ring, msg)
	} else {
		p.ring[p.next] = msg
		p.next = (p.next + 1) % cap(p.ring)
	}
	p.total++
	return fmt.Sprintf("mem-%d", p.total), nil
}

// Messages returns the retained messages oldest first. The slice is a copy.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Message, 0, len(p.ring))
	out = append(out, p.ring[p.next:]...)
	out = append(out, p.ring[:p.next]...)
	return out
}

// Published returns the total number of publishes, including evicted ones.
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
