package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	stock    map[string]int
	orders   []Order
	lines    []Line
	reserved []string
}

func (f *fakeWriter) ReserveInventory(_ context.Context, variantID string, qty int) error {
	have, ok := f.stock[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if have < qty {
		return &ShortageError{VariantID: variantID, Requested: qty, Available: have}
	}
	f.stock[variantID] = have - qty
	f.reserved = append(f.reserved, variantID)
	return nil
}

func (f *fakeWriter) InsertOrder(_ context.Context, o Order) error {
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeWriter) InsertOrderLine(_ context.Context, l Line) error {
	f.lines = append(f.lines, l)
	return nil
}

func TestSpawnWritesOrderAndDecrementsStock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := &fakeWriter{stock: map[string]int{"v-a": 100, "v-b": 10}}
	s := NewSpawner()

	placed, err := s.Spawn(context.Background(), w, Request{
		OfferID:  "offer-1",
		BuyerID:  "buyer-1",
		SellerID: "seller-1",
		Currency: "USD",
		Lines: []LineRequest{
			{ItemID: "i1", VariantID: "v-b", Quantity: 5, UnitPrice: decimal.NewFromInt(8)},
			{ItemID: "i2", VariantID: "v-a", Quantity: 10, UnitPrice: decimal.NewFromInt(6)},
		},
		At: now.In(time.FixedZone("CET", 3600)),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(placed.OrderNumber, "ORD-"))
	assert.True(t, placed.Total.Equal(decimal.NewFromInt(100)))
	assert.Len(t, placed.Lines, 2)
	require.Len(t, w.orders, 1)
	assert.Equal(t, now, w.orders[0].CreatedAt, "the caller's instant is stored in UTC")
	assert.Equal(t, StatusPending, w.orders[0].Status)
	assert.Equal(t, 90, w.stock["v-a"])
	assert.Equal(t, 5, w.stock["v-b"])
	assert.Equal(t, []string{"v-a", "v-b"}, w.reserved, "reservations run in variant order")
}

func TestSpawnShortageStopsBeforeWrites(t *testing.T) {
	w := &fakeWriter{stock: map[string]int{"v-a": 3}}

	_, err := NewSpawner().Spawn(context.Background(), w, Request{
		Currency: "USD",
		Lines:    []LineRequest{{ItemID: "i1", VariantID: "v-a", Quantity: 4, UnitPrice: decimal.NewFromInt(1)}},
		At:       time.Now(),
	})

	var shortage *ShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, 4, shortage.Requested)
	assert.Equal(t, 3, shortage.Available)
	assert.Empty(t, w.orders)
}

func TestSpawnRejectsEmptyAndInvalidLines(t *testing.T) {
	w := &fakeWriter{stock: map[string]int{}}
	s := NewSpawner()

	_, err := s.Spawn(context.Background(), w, Request{})
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = s.Spawn(context.Background(), w, Request{Lines: []LineRequest{{ItemID: "i", VariantID: "v", Quantity: 0}}})
	assert.ErrorIs(t, err, ErrInvalidLine)

	_, err = s.Spawn(context.Background(), w, Request{Lines: []LineRequest{{ItemID: "i", VariantID: "v", Quantity: 1}}})
	assert.ErrorIs(t, err, ErrNoTimestamp)
}

func TestOrderNumbersAreUnique(t *testing.T) {
	s := NewSpawner()
	at := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		n := s.orderNumber(at)
		_, dup := seen[n]
		require.False(t, dup)
		seen[n] = struct{}{}
	}
}
