package offer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offerflow/order"
)

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}
	store := NewPGStore(pool, 2, nil)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.EnqueueOutbox(ctx, "catalog_offer.created", []byte(`{}`))
	})
	require.NoError(t, err)

	require.Len(t, pool.txs, 1)
	assert.True(t, pool.txs[0].committed)
	assert.Equal(t, pgx.RepeatableRead, pool.opts.IsoLevel)
	require.Len(t, pool.txs[0].execs, 1)
	assert.Contains(t, pool.txs[0].execs[0], "INSERT INTO outbox")
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	pool := &fakePool{}
	store := NewPGStore(pool, 2, nil)
	boom := errors.New("boom")

	err := store.WithinTx(context.Background(), func(context.Context, Tx) error { return boom })
	require.ErrorIs(t, err, boom)

	require.Len(t, pool.txs, 1, "plain errors are not retried")
	assert.True(t, pool.txs[0].rolled)
	assert.False(t, pool.txs[0].committed)
}

func TestWithinTxRetriesSerializationFailure(t *testing.T) {
	pool := &fakePool{}
	store := NewPGStore(pool, 2, nil)

	calls := 0
	err := store.WithinTx(context.Background(), func(context.Context, Tx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, pool.txs, 2)
	assert.True(t, pool.txs[0].rolled)
	assert.False(t, pool.txs[0].committed)
	assert.True(t, pool.txs[1].committed)
}

func TestWithinTxReportsConflictAfterRetries(t *testing.T) {
	pool := &fakePool{}
	store := NewPGStore(pool, 2, nil)

	err := store.WithinTx(context.Background(), func(context.Context, Tx) error {
		return &pgconn.PgError{Code: "40P01"}
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.Len(t, pool.txs, 3)
	assert.Equal(t, CodeConcurrentModification, asError(err).Code)
}

func TestWithinTxBeginFailure(t *testing.T) {
	pool := &fakePool{beginErr: errors.New("pool closed")}
	store := NewPGStore(pool, 1, nil)

	err := store.WithinTx(context.Background(), func(context.Context, Tx) error {
		t.Fatal("unit of work must not run")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestUniqueViolationBecomesConflict(t *testing.T) {
	tx := &fakeTx{execErr: &pgconn.PgError{Code: "23505", ConstraintName: "uq_open_offer_per_buyer"}}
	err := (&pgTx{tx: tx}).InsertItemChange(context.Background(), ItemChange{ID: "c1", Type: ChangeItemAdded})
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "uq_open_offer_per_buyer")

	other := &fakeTx{execErr: &pgconn.PgError{Code: "23503"}}
	err = (&pgTx{tx: other}).InsertItemChange(context.Background(), ItemChange{ID: "c1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestRetireNegotiationLostRace(t *testing.T) {
	tx := &fakeTx{tag: pgconn.NewCommandTag("UPDATE 0")}
	err := (&pgTx{tx: tx}).RetireNegotiation(context.Background(), "n1", StateAccepted, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	tx = &fakeTx{tag: pgconn.NewCommandTag("UPDATE 1")}
	assert.NoError(t, (&pgTx{tx: tx}).RetireNegotiation(context.Background(), "n1", StateAccepted, time.Now()))
}

func TestRetireRequiresTerminalState(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTx{tag: pgconn.NewCommandTag("UPDATE 1")}

	err := (&pgTx{tx: tx}).RetireNegotiation(ctx, "n1", StatePending, time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)

	_, err = (&pgTx{tx: tx}).RetireOfferNegotiations(ctx, "o1", StatePending, time.Now())
	require.Error(t, err)
	assert.Empty(t, tx.execs, "nothing is written for a non-terminal target")

	n, err := (&pgTx{tx: tx}).RetireOfferNegotiations(ctx, "o1", StateSuperseded, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReserveInventory(t *testing.T) {
	ctx := context.Background()

	tx := &fakeTx{tag: pgconn.NewCommandTag("UPDATE 1")}
	require.NoError(t, (&pgTx{tx: tx}).ReserveInventory(ctx, "v1", 5))

	tx = &fakeTx{tag: pgconn.NewCommandTag("UPDATE 0"), row: fakeRow{values: []any{3}}}
	err := (&pgTx{tx: tx}).ReserveInventory(ctx, "v1", 5)
	var short *order.ShortageError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 3, short.Available)
	assert.Equal(t, 5, short.Requested)

	tx = &fakeTx{tag: pgconn.NewCommandTag("UPDATE 0"), row: fakeRow{err: pgx.ErrNoRows}}
	err = (&pgTx{tx: tx}).ReserveInventory(ctx, "v1", 5)
	assert.ErrorIs(t, err, order.ErrVariantNotFound)
}

func TestResolvePublicID(t *testing.T) {
	ctx := context.Background()

	tx := &fakeTx{row: fakeRow{values: []any{"0b8f4c6e-4a7e-4b59-9f55-3c0c0b3b6a51"}}}
	id, err := (&pgTx{tx: tx}).ResolvePublicID(ctx, EntityListing, "LST00000000001")
	require.NoError(t, err)
	assert.Equal(t, "0b8f4c6e-4a7e-4b59-9f55-3c0c0b3b6a51", id)
	assert.Contains(t, tx.queries[0], "FROM listings")

	tx = &fakeTx{row: fakeRow{err: pgx.ErrNoRows}}
	_, err = (&pgTx{tx: tx}).ResolvePublicID(ctx, EntityOffer, "OFR00000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = (&pgTx{tx: &fakeTx{}}).ResolvePublicID(ctx, EntityKind("invoice"), "INV00000000001")
	assert.Error(t, err)
}

type fakePool struct {
	beginErr error
	opts     pgx.TxOptions
	txs      []*fakeTx
}

func (f *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.opts = opts
	tx := &fakeTx{tag: pgconn.NewCommandTag("INSERT 0 1")}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.values) {
			break
		}
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		default:
			return errors.New("fakeRow: unsupported scan target")
		}
	}
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
	execs     []string
	queries   []string
	tag       pgconn.CommandTag
	execErr   error
	row       fakeRow
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return f.tag, f.execErr
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	return f.row
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
