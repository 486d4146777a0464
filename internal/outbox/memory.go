package outbox

import (
	"context"
	"sync"
)

// Memory is an in-process Publisher that keeps every accepted message and
// drops repeats of a dedupe key. Used by tests and ENV=dev without a broker.
type Memory struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	messages []Message
	closed   bool

	// FailFunc, when set, can reject a message before it is recorded.
	FailFunc func(msg Message) error
}

// NewMemory creates an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func (m *Memory) Enqueue(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.FailFunc != nil {
		if err := m.FailFunc(msg); err != nil {
			return err
		}
	}
	if msg.DedupeKey != "" {
		if _, ok := m.seen[msg.DedupeKey]; ok {
			return nil
		}
		m.seen[msg.DedupeKey] = struct{}{}
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns the accepted messages in enqueue order.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Topic returns the accepted messages for topic.
func (m *Memory) Topic(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
