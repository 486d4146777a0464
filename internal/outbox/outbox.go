// Package outbox carries fire-and-forget side effects (invoices, ranking,
// notifications) out of the order engine.
//
// Messages are enqueued only after the transaction that produced them has
// committed. Every message has a dedupe key so a redelivered webhook or a
// retried request cannot issue the same side effect twice downstream.
package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbox: publisher closed")

// Message is one side effect.
type Message struct {
	Topic     string
	DedupeKey string
	Payload   []byte
	CreatedAt time.Time
}

// Publisher enqueues messages. Enqueue must be safe for concurrent use.
type Publisher interface {
	Enqueue(ctx context.Context, msg Message) error
	Close() error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Enqueue(ctx context.Context, msg Message) error { return nil }
func (Noop) Close() error                                   { return nil }
