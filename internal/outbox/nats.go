package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamConfig configures the NATS JetStream publisher.
type JetStreamConfig struct {
	URL string

	// Stream is created if missing, capturing "<SubjectPrefix>.>".
	Stream        string
	SubjectPrefix string

	// DuplicateWindow is how long the server remembers a Nats-Msg-Id.
	DuplicateWindow time.Duration
}

// JetStream publishes messages to a JetStream stream. The dedupe key is
// sent as Nats-Msg-Id, so the server drops repeats inside the stream's
// duplicate window.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewJetStream connects to NATS and ensures the stream exists.
func NewJetStream(cfg JetStreamConfig) (*JetStream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("outbox: nats url is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "ORDERCORE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "ordercore"
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("ordercore-outbox"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("outbox: connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("outbox: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ".>"},
			Storage:    nats.FileStorage,
			Duplicates: cfg.DuplicateWindow,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("outbox: add stream %s: %w", cfg.Stream, err)
		}
	}

	return &JetStream{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

func (p *JetStream) Enqueue(ctx context.Context, msg Message) error {
	if p.nc.IsClosed() {
		return ErrClosed
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.DedupeKey != "" {
		opts = append(opts, nats.MsgId(msg.DedupeKey))
	}

	if _, err := p.js.Publish(p.prefix+"."+msg.Topic, msg.Payload, opts...); err != nil {
		return fmt.Errorf("outbox: publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *JetStream) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
