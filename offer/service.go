// Package offer implements the catalog-offer negotiation engine: offer
// creation, counter/accept/reject negotiation, the seller bulk-modify-and-accept
// shortcut, and the read helpers they share.
package offer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Rules are the business limits enforced by the engines.
type Rules struct {
	MaxItems       int
	MaxUnitPrice   decimal.Decimal
	MinRetailRatio decimal.Decimal
	MaxExpiry      time.Duration
	RiskThreshold  int
	ReopenWindow   time.Duration
}

// DefaultRules returns the production limits.
func DefaultRules() Rules {
	return Rules{
		MaxItems:       50,
		MaxUnitPrice:   decimal.NewFromInt(1_000_000),
		MinRetailRatio: decimal.RequireFromString("0.1"),
		MaxExpiry:      90 * 24 * time.Hour,
		RiskThreshold:  75,
		ReopenWindow:   7 * 24 * time.Hour,
	}
}

// Caller is the authenticated user invoking an engine.
type Caller struct {
	UserID string
}

// Recorder receives one observation per engine invocation.
type Recorder interface {
	Observe(operation, outcome, code string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, string, string, time.Duration) {}

// Service hosts the negotiation engines.
type Service struct {
	store      Store
	orders     OrderSpawner
	notifier   Notifier
	visibility VisibilityPolicy
	rules      Rules
	logger     *zap.Logger
	metrics    Recorder
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	publicID   func() string
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithVisibility(p VisibilityPolicy) Option {
	return func(s *Service) { s.visibility = p }
}

func WithRules(r Rules) Option {
	return func(s *Service) { s.rules = r }
}

func WithMetrics(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService wires the engines over a store and an order spawner.
func NewService(store Store, orders OrderSpawner, opts ...Option) *Service {
	s := &Service{
		store:      store,
		orders:     orders,
		notifier:   nopNotifier{},
		visibility: GrantVisibility{},
		rules:      DefaultRules(),
		logger:     zap.NewNop(),
		metrics:    nopRecorder{},
		tracer:     otel.Tracer("offerflow/offer"),
		now:        time.Now,
		newID:      uuid.NewString,
		publicID:   NewPublicID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// unit is one engine body. It runs inside a transaction and may be retried
// from scratch, so it must not leak state between attempts.
type unit[T any] func(ctx context.Context, tx Tx, now time.Time) (T, []Event, error)

// execute runs fn in one transaction with a single clock sample, then
// publishes events once the commit succeeded.
func execute[T any](ctx context.Context, s *Service, op string, attrs []attribute.KeyValue, fn unit[T]) Result[T] {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "offer."+op, trace.WithAttributes(attrs...))
	defer span.End()

	now := s.now().UTC()
	var (
		out    T
		events []Event
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, events, err = fn(ctx, tx, now)
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		e := asError(err)
		span.SetAttributes(attribute.String("offer.error_code", string(e.Code)))
		if e.Code == CodeInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(e.Code))
			s.logger.Error("offer engine failed", zap.String("operation", op), zap.Error(err))
			s.metrics.Observe(op, "error", string(e.Code), elapsed)
		} else {
			s.logger.Info("offer engine rejected request",
				zap.String("operation", op),
				zap.String("code", string(e.Code)),
				zap.String("message", e.Message))
			s.metrics.Observe(op, "rejected", string(e.Code), elapsed)
		}
		return failed[T](e)
	}

	s.metrics.Observe(op, "success", "", elapsed)
	s.logger.Debug("offer engine succeeded", zap.String("operation", op), zap.Duration("elapsed", elapsed))
	for _, ev := range events {
		s.notifier.Notify(ctx, ev)
	}
	return ok(out)
}

// GetOffer returns the full read view of an offer to one of its parties.
func (s *Service) GetOffer(ctx context.Context, caller Caller, offerRef string) Result[OfferView] {
	return execute(ctx, s, "get", nil, func(ctx context.Context, tx Tx, now time.Time) (OfferView, []Event, error) {
		id, err := resolve(ctx, tx, EntityOffer, offerRef)
		if err != nil {
			return OfferView{}, nil, err
		}
		st, err := loadOffer(ctx, tx, id)
		if err != nil {
			return OfferView{}, nil, err
		}
		if st.Offer.RoleOf(caller.UserID) == "" {
			return OfferView{}, nil, errorf(CodeUnauthorizedAccess, "caller is not a party to this offer")
		}
		v, err := buildView(ctx, tx, st)
		return v, nil, err
	})
}
