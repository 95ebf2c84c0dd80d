package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"offerflow/offer"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev offer.Event) error {
	s.logger.Info("offer notification",
		zap.String("event", string(ev.Type)),
		zap.String("offer_id", ev.OfferID),
		zap.String("public_id", ev.PublicID),
		zap.String("recipient_id", ev.RecipientID),
		zap.String("status", string(ev.Status)),
		zap.Int("round", ev.Round),
		zap.String("total", ev.Total.String()),
		zap.String("currency", ev.Currency))
	return nil
}

// Execer is satisfied by pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxSink stores each notification as a pending outbox message for a
// relay to pick up. It writes outside the engine transaction.
type OutboxSink struct {
	db Execer
}

func NewOutboxSink(db Execer) *OutboxSink {
	return &OutboxSink{db: db}
}

func (s *OutboxSink) Name() string { return "outbox" }

func (s *OutboxSink) Send(ctx context.Context, ev offer.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	topic := "notification." + string(ev.Type)
	if _, err := s.db.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, payload); err != nil {
		return fmt.Errorf("notify: insert outbox message: %w", err)
	}
	return nil
}
