// Package fixtures consumes concluded match results from the fixture data
// source and settles them through the engine.
//
// Offsets are committed only once a message is settled, recognised as a
// duplicate, or rejected for good. Retryable failures hold the partition and
// are retried with backoff, so a result is never skipped.
package fixtures

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"

	"github.com/atmx/valuation-engine/internal/engine"
	"github.com/atmx/valuation-engine/internal/metrics"
	"github.com/atmx/valuation-engine/internal/model"
)

// MatchResult is the wire format of a fixture message.
type MatchResult struct {
	MatchID      string        `json:"match_id" validate:"required"`
	HomeEntityID string        `json:"home_entity_id" validate:"required"`
	AwayEntityID string        `json:"away_entity_id" validate:"required,nefield=HomeEntityID"`
	Outcome      model.Outcome `json:"outcome" validate:"required,oneof=home_win away_win draw"`
	PlayedAt     time.Time     `json:"played_at"`
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Settler applies a match result.
type Settler interface {
	SettleMatch(ctx context.Context, req engine.MatchRequest) (engine.SettlementResult, error)
}

// Handling results, also used as metric labels.
const (
	resultSettled   = "settled"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultRejected  = "rejected"
)

// Consumer reads match results and settles them one at a time.
type Consumer struct {
	reader     Reader
	settler    Settler
	validate   *validator.Validate
	log        *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithBackoff sets the initial and maximum retry delay.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *Consumer) {
		c.backoff = initial
		c.maxBackoff = ceiling
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.log = l }
}

// NewReader builds a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	})
}

// New creates a consumer reading from r and settling through s.
func New(r Reader, s Settler, opts ...Option) *Consumer {
	c := &Consumer{
		reader:     r,
		settler:    s,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        slog.Default(),
		backoff:    100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fixture fetch failed", "err", err)
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		result, err := c.handle(ctx, msg)
		if err != nil {
			// only cancellation interrupts handle; leave the offset for the next owner
			return nil
		}
		metrics.FixtureMessages.WithLabelValues(result).Inc()

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fixture commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle settles one message and reports how it was disposed of. It only
// returns an error when ctx ends before the message could be settled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (string, error) {
	var mr MatchResult
	if err := json.Unmarshal(msg.Value, &mr); err != nil {
		c.log.Warn("fixture message undecodable", "offset", msg.Offset, "err", err)
		return resultInvalid, nil
	}
	if err := c.validate.Struct(mr); err != nil {
		c.log.Warn("fixture message invalid", "offset", msg.Offset, "match_id", mr.MatchID, "err", err)
		return resultInvalid, nil
	}

	req := engine.MatchRequest{
		MatchID:      mr.MatchID,
		HomeEntityID: mr.HomeEntityID,
		AwayEntityID: mr.AwayEntityID,
		Outcome:      mr.Outcome,
		PlayedAt:     mr.PlayedAt,
	}

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		res, err := c.settler.SettleMatch(ctx, req)
		switch {
		case err == nil && res.Duplicate:
			c.log.Info("fixture already settled", "match_id", mr.MatchID)
			return resultDuplicate, nil
		case err == nil:
			return resultSettled, nil
		case ctx.Err() != nil:
			return "", ctx.Err()
		case model.IsRejection(err):
			c.log.Warn("fixture rejected", "match_id", mr.MatchID, "err", err)
			return resultRejected, nil
		}

		c.log.Warn("fixture settlement failed, retrying",
			"match_id", mr.MatchID,
			"attempt", attempt,
			"retry_in", delay,
			"err", err,
		)
		if !sleep(ctx, delay) {
			return "", ctx.Err()
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
