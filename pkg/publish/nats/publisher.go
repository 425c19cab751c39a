// Package nats implements publish.Publisher (and outbox.Publisher) over
// a NATS JetStream stream, narrowed to the publish side only: the
// outbox dispatcher only needs a publish(destination, payload, headers)
// sink, never subscribe/consumer-group machinery.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the JetStream stream a Publisher publishes into.
type Config struct {
	URL        string
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
	MaxBytes   int64
}

// DefaultConfig returns the standard stream settings for this publisher.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		StreamName: "EVENTS",
		Subjects:   []string{"events.>"},
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024,
	}
}

// Publisher publishes outbox entries onto a JetStream stream, one
// subject per destination. Message IDs are set to the caller-supplied
// idempotency key header (if present) so republishing the same outbox
// row after a crash does not create a duplicate JetStream message.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the configured stream
// exists.
func NewPublisher(config Config) (*Publisher, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(config); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.Subjects,
		Retention: nats.InterestPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := p.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", config.StreamName, err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", config.StreamName, err)
		}
	}
	return nil
}

// Publish implements publish.Publisher (and outbox.Publisher). The
// destination becomes the JetStream subject prefixed with "events."; the
// dispatcher's "eventId" header, if present, is passed through as the
// JetStream dedup key so a crash-and-retry of the same outbox row never
// produces a duplicate JetStream message.
func (p *Publisher) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	subject := "events." + destination

	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id, ok := headers["eventId"]; ok && id != "" {
		opts = append(opts, nats.MsgId(id))
	}

	if _, err := p.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close implements publish.Closer.
func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}
