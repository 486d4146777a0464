package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_DedupesByKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Enqueue(ctx, Message{Topic: "invoice.issue", DedupeKey: "invoice:1"}))
	require.NoError(t, m.Enqueue(ctx, Message{Topic: "invoice.issue", DedupeKey: "invoice:1"}))
	require.NoError(t, m.Enqueue(ctx, Message{Topic: "ranking.record_sale", DedupeKey: "ranking:1"}))

	assert.Len(t, m.Messages(), 2)
	assert.Len(t, m.Topic("invoice.issue"), 1)
}

func TestMemory_FailFuncAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("broker down")
	m.FailFunc = func(msg Message) error { return boom }

	err := m.Enqueue(ctx, Message{Topic: "x", DedupeKey: "k"})
	assert.ErrorIs(t, err, boom)

	// A failed message must not burn its dedupe key.
	m.FailFunc = nil
	require.NoError(t, m.Enqueue(ctx, Message{Topic: "x", DedupeKey: "k"}))
	assert.Len(t, m.Messages(), 1)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Enqueue(ctx, Message{Topic: "x"}), ErrClosed)
}
