// Package jobs defines the side-effect messages the order engine enqueues
// on the outbox, with their topics, payloads and dedupe keys.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/ordercore/internal/outbox"
)

var now = time.Now

func newMessage(topic, dedupeKey string, payload interface{}) (outbox.Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	return outbox.Message{
		Topic:     topic,
		DedupeKey: dedupeKey,
		Payload:   payloadJSON,
		CreatedAt: now().UTC(),
	}, nil
}
