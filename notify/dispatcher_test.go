package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"offerflow/offer"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []offer.Event
	started  chan struct{}
	release  chan struct{}
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Send(_ context.Context, ev offer.Event) error {
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *flakySink) delivered() []offer.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]offer.Event(nil), s.got...)
}

func testConfig() Config {
	return Config{Workers: 1, Capacity: 1, RatePerSecond: 1000, Burst: 100, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func sampleEvent(t offer.EventType) offer.Event {
	return offer.Event{Type: t, OfferID: "o1", PublicID: "OFR00000000001", RecipientID: "u2",
		Status: offer.StatusNegotiating, Round: 2, Total: decimal.NewFromInt(100), Currency: "USD"}
}

func TestDispatcherRetriesFailedSend(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := NewDispatcher(testConfig(), nil, sink)

	d.Notify(context.Background(), sampleEvent(offer.EventCountered))
	d.Close()

	require.Len(t, sink.delivered(), 1)
	assert.Equal(t, 3, sink.calls)
}

func TestDispatcherLogsExhaustedRetries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &flakySink{failures: 10}
	d := NewDispatcher(testConfig(), zap.New(core), sink)

	d.Notify(context.Background(), sampleEvent(offer.EventAccepted))
	d.Close()

	assert.Empty(t, sink.delivered())
	require.Equal(t, 1, logs.FilterMessage("notification failed").Len())
	entry := logs.FilterMessage("notification failed").All()[0]
	assert.Equal(t, "flaky", entry.ContextMap()["sink"])
}

func TestDispatcherIgnoresCallerCancellation(t *testing.T) {
	sink := &flakySink{}
	d := NewDispatcher(testConfig(), nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, sampleEvent(offer.EventCreated))
	d.Close()

	assert.Len(t, sink.delivered(), 1)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &flakySink{started: make(chan struct{}, 3), release: make(chan struct{})}
	d := NewDispatcher(testConfig(), zap.New(core), sink)

	d.Notify(context.Background(), sampleEvent(offer.EventCreated))
	<-sink.started
	d.Notify(context.Background(), sampleEvent(offer.EventCountered))
	d.Notify(context.Background(), sampleEvent(offer.EventRejected))

	assert.Equal(t, 1, logs.FilterMessage("notification dropped, queue full").Len())

	close(sink.release)
	d.Close()
	assert.Len(t, sink.delivered(), 2)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	require.NoError(t, NewLogSink(zap.New(core)).Send(context.Background(), sampleEvent(offer.EventExpired)))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "offer.expired", fields["event"])
	assert.Equal(t, "100", fields["total"])
}

type recordingExecer struct {
	sql  string
	args []any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql, r.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestOutboxSink(t *testing.T) {
	db := &recordingExecer{}
	require.NoError(t, NewOutboxSink(db).Send(context.Background(), sampleEvent(offer.EventBulkAccepted)))

	assert.Contains(t, db.sql, "INSERT INTO outbox")
	require.Len(t, db.args, 2)
	assert.Equal(t, "notification.offer.bulk_accepted", db.args[0])
	assert.Contains(t, string(db.args[1].([]byte)), `"offer_id":"o1"`)

	failing := &recordingExecer{err: errors.New("connection reset")}
	assert.Error(t, NewOutboxSink(failing).Send(context.Background(), sampleEvent(offer.EventCreated)))
}
