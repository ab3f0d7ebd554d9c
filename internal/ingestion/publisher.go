package ingestion

import (
	"CrossMargin/internal/core"
	"CrossMargin/internal/event"
	"CrossMargin/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed envelopes to
// cm.events.{instruction_kind}. It is fed after the persistence worker
// commits, so downstream consumers never see an envelope the log lost.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format of one envelope.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      int64           `json:"timestamp"`
	Records        json.RawMessage `json:"records"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			// Non-fatal: consumers can read the event log directly.
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// NewPublishableEvent renders env in the outbound format.
func NewPublishableEvent(env *event.Envelope) (PublishableEvent, error) {
	records, err := event.EncodeRecords(env.Records)
	if err != nil {
		return PublishableEvent{}, err
	}
	return PublishableEvent{
		Sequence:       env.Sequence,
		Kind:           env.Kind,
		IdempotencyKey: env.IdempotencyKey,
		Timestamp:      env.Timestamp,
		Records:        records,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
	}, nil
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	evt, err := NewPublishableEvent(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// JetStream drops a republished sequence within its duplicate window.
	_, err = op.js.Publish(ctx, SubjectEvents+"."+env.Kind, data,
		jetstream.WithMsgID(fmt.Sprintf("cm-%d", env.Sequence)))
	return err
}
