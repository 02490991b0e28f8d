package broker

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// Memory fans messages out to in-process subscribers. Delivery to each
// subscriber is in publish order; a subscriber whose buffer is full misses
// messages rather than blocking the publisher.
type Memory struct {
	mu      sync.Mutex
	subs    map[string]map[int]chan Message
	nextID  int
	dropped int
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan Message)}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[msg.Channel] {
		select {
		case ch <- msg:
		default:
			m.dropped++
		}
	}
	return nil
}

// Subscribe returns a stream of messages for channelName and a function
// that ends the subscription.
func (m *Memory) Subscribe(channelName string) (<-chan Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Message, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	if m.subs[channelName] == nil {
		m.subs[channelName] = make(map[int]chan Message)
	}
	m.subs[channelName][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[channelName][id]; ok {
				delete(m.subs[channelName], id)
				close(sub)
			}
		})
	}
}

// Dropped is how many deliveries were skipped because a subscriber lagged.
func (m *Memory) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for name, subs := range m.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(m.subs, name)
	}
	return nil
}

// Discard accepts and drops every message. It backs deployments without a
// broker, where only subscription handshakes are served.
type Discard struct{}

func (Discard) Publish(context.Context, Message) error { return nil }
func (Discard) Close() error                           { return nil }
