package order

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Writer is the slice of the caller's transaction the spawner needs.
type Writer interface {
	// ReserveInventory decrements stock only if enough is available. It
	// returns *ShortageError when it is not and ErrVariantNotFound for an
	// unknown variant.
	ReserveInventory(ctx context.Context, variantID string, quantity int) error
	InsertOrder(ctx context.Context, o Order) error
	InsertOrderLine(ctx context.Context, l Line) error
}

// Spawner turns an accepted offer into order rows inside the caller's transaction.
type Spawner struct {
	newID func() string

	mu      sync.Mutex
	entropy io.Reader
}

func NewSpawner() *Spawner {
	return &Spawner{
		newID:   func() string { return uuid.NewString() },
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Spawn re-validates and reserves inventory, then writes the order and its lines.
func (s *Spawner) Spawn(ctx context.Context, w Writer, req Request) (Placed, error) {
	if len(req.Lines) == 0 {
		return Placed{}, ErrEmptyOrder
	}

	demand := make(map[string]int, len(req.Lines))
	total := decimal.Zero
	for _, l := range req.Lines {
		if l.Quantity <= 0 || l.UnitPrice.IsNegative() {
			return Placed{}, fmt.Errorf("%w: item %s", ErrInvalidLine, l.ItemID)
		}
		demand[l.VariantID] += l.Quantity
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	if req.At.IsZero() {
		return Placed{}, ErrNoTimestamp
	}

	// Stable order keeps row-lock acquisition consistent across racing spawns.
	variants := make([]string, 0, len(demand))
	for v := range demand {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	for _, v := range variants {
		if err := w.ReserveInventory(ctx, v, demand[v]); err != nil {
			return Placed{}, err
		}
	}

	createdAt := req.At.UTC()
	o := Order{
		ID:        s.newID(),
		Number:    s.orderNumber(createdAt),
		OfferID:   req.OfferID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ListingID: req.ListingID,
		Status:    StatusPending,
		Total:     total,
		Currency:  req.Currency,
		Shipping:  req.Shipping,
		Billing:   req.Billing,
		CreatedAt: createdAt,
	}
	if err := w.InsertOrder(ctx, o); err != nil {
		return Placed{}, fmt.Errorf("order: insert order: %w", err)
	}

	lines := make([]Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		line := Line{
			ID:        s.newID(),
			OrderID:   o.ID,
			ItemID:    l.ItemID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
			Currency:  req.Currency,
		}
		if err := w.InsertOrderLine(ctx, line); err != nil {
			return Placed{}, fmt.Errorf("order: insert line: %w", err)
		}
		lines = append(lines, line)
	}

	return Placed{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Total:       total,
		Currency:    req.Currency,
		Lines:       lines,
	}, nil
}

func (s *Spawner) orderNumber(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "ORD-" + ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}
