// Package stream fans committed domain events out to NATS JetStream
// for downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"marginledger/internal/event"
)

// Publisher publishes committed events. Subjects follow the pattern
// mledger.events.{event_type}. Publishing is best-effort: the Postgres
// history is the system of record and consumers can backfill from it.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan event.Envelope
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan event.Envelope, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Int64("sequence", env.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("mledger.events.%s", env.TypeName)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MLEDGER_EVENTS",
		Subjects:  []string{"mledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}
