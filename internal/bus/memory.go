package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher+Subscriber, grounded on the
// teacher pack's distributor pattern in other_examples/ejyy-femto_go's
// message_bus.go (a fixed-size buffer drained by a dedicated goroutine
// calling a handler per event) generalized from a single callback to
// per-topic fanout. Used as the default bus in tests and for running the
// engine without an external broker.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan []byte)}
}

func (m *MemoryBus) Publish(ctx context.Context, topic string, _ []byte, payload []byte) error {
	m.mu.Lock()
	chans := append([]chan []byte(nil), m.subs[topic]...)
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, topic string, handler func([]byte) error) error {
	ch := make(chan []byte, 1024)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()
	for {
		select {
		case payload := <-ch:
			if err := handler(payload); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *MemoryBus) Close() error { return nil }
