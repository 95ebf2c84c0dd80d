// Package notify delivers post-commit offer events to external sinks without
// blocking the engines that produce them.
package notify

import (
	"context"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"offerflow/offer"
)

// Sink is one delivery channel for offer events.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev offer.Event) error
}

// Config sizes the dispatcher.
type Config struct {
	Workers       int
	Capacity      int
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryDelay    time.Duration
	BreakerDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 30 * time.Second
	}
	return c
}

type route struct {
	sink Sink
	exec failsafe.Executor[any]
}

// Dispatcher implements offer.Notifier. Every event is handed to a bounded
// worker pool; when the pool is full the event is dropped and logged.
type Dispatcher struct {
	pool    *pond.WorkerPool
	limiter *rate.Limiter
	routes  []route
	logger  *zap.Logger
}

func NewDispatcher(cfg Config, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.With(zap.String("component", "notify"))

	d := &Dispatcher{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
	d.pool = pond.New(cfg.Workers, cfg.Capacity,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("notification worker panic recovered", zap.Any("panic", p))
		}),
	)

	for _, s := range sinks {
		name := s.Name()
		retry := retrypolicy.NewBuilder[any]().
			WithBackoff(cfg.RetryDelay, 10*cfg.RetryDelay).
			WithMaxRetries(cfg.MaxRetries).
			ReturnLastFailure().
			OnRetry(func(e failsafe.ExecutionEvent[any]) {
				logger.Debug("retrying notification", zap.String("sink", name), zap.Int("attempt", e.Attempts()), zap.Error(e.LastError()))
			}).
			Build()
		breaker := circuitbreaker.NewBuilder[any]().
			WithFailureThresholdRatio(5, 10).
			WithDelay(cfg.BreakerDelay).
			OnOpen(func(circuitbreaker.StateChangedEvent) {
				logger.Warn("notification sink circuit opened", zap.String("sink", name))
			}).
			Build()
		d.routes = append(d.routes, route{sink: s, exec: failsafe.With[any](retry, breaker)})
	}
	return d
}

// Notify queues ev for every sink and returns immediately. The caller's
// cancellation does not reach the delivery.
func (d *Dispatcher) Notify(ctx context.Context, ev offer.Event) {
	ctx = context.WithoutCancel(ctx)
	if !d.pool.TrySubmit(func() { d.deliver(ctx, ev) }) {
		d.logger.Warn("notification dropped, queue full",
			zap.String("event", string(ev.Type)),
			zap.String("offer_id", ev.OfferID),
			zap.String("recipient_id", ev.RecipientID))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev offer.Event) {
	for _, r := range d.routes {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("notification throttle aborted", zap.String("sink", r.sink.Name()), zap.Error(err))
			return
		}
		err := r.exec.WithContext(ctx).Run(func() error {
			return r.sink.Send(ctx, ev)
		})
		if err != nil {
			d.logger.Warn("notification failed",
				zap.String("sink", r.sink.Name()),
				zap.String("event", string(ev.Type)),
				zap.String("offer_id", ev.OfferID),
				zap.Error(err))
		}
	}
}

// Close waits for queued deliveries to finish.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}
