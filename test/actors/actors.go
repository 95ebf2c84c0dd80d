// Package actors drives the offer engines concurrently from the buyer and
// seller side of the same listing.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"offerflow/offer"
)

// Stats counts engine outcomes per operation and code.
type Stats struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewStats() *Stats { return &Stats{counts: map[string]int{}} }

func (s *Stats) record(op string, ok bool, e *offer.Error) {
	key := op + ":ok"
	if !ok && e != nil {
		key = op + ":" + string(e.Code)
	}
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
}

// Successes sums every successful invocation.
func (s *Stats) Successes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.counts {
		if strings.HasSuffix(k, ":ok") {
			n += v
		}
	}
	return n
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.counts))
	for k := range s.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%d ", k, s.counts[k])
	}
	return b.String()
}

// Party is one authenticated user acting through the engines.
type Party struct {
	UserID string
	Role   offer.Role
	Svc    *offer.Service
	Pool   *pgxpool.Pool
}

func (p Party) caller() offer.Caller { return offer.Caller{UserID: p.UserID} }

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Opener keeps trying to open req. It collides with itself while an offer on
// the listing is still open.
func Opener(ctx context.Context, buyer Party, req offer.CreateRequest, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		res := buyer.Svc.CreateOffer(ctx, buyer.caller(), req)
		stats.record("create", res.Success, res.Error)
		pause(20, 40)
	}
	return nil
}

// pickOffer returns a random open offer the party is on.
func pickOffer(ctx context.Context, p Party) (string, bool) {
	var id string
	err := p.Pool.QueryRow(ctx, `
		SELECT id FROM catalog_offers
		WHERE status IN ('ACTIVE', 'NEGOTIATING') AND (buyer_id = $1 OR seller_id = $1)
		ORDER BY random() LIMIT 1`, p.UserID).Scan(&id)
	return id, err == nil
}

// Negotiator reads a random open offer and counters, accepts or rejects it.
// Turn violations and lost races are expected outcomes, not failures.
func Negotiator(ctx context.Context, p Party, stats *Stats, stop <-chan struct{}) error {
	counter, accept, reject := offer.BuyerCounter, offer.BuyerAccept, offer.BuyerReject
	step := decimal.RequireFromString("-0.25")
	if p.Role == offer.RoleSeller {
		counter, accept, reject = offer.SellerCounter, offer.SellerAccept, offer.SellerReject
		step = decimal.RequireFromString("0.25")
	}

	for !stopped(ctx, stop) {
		id, ok := pickOffer(ctx, p)
		if !ok {
			pause(10, 20)
			continue
		}
		view := p.Svc.GetOffer(ctx, p.caller(), id)
		stats.record("view", view.Success, view.Error)
		if !view.Success {
			continue
		}

		req := offer.NegotiateRequest{OfferID: id}
		switch roll := rand.Intn(20); {
		case roll < 12:
			req.Action = counter
			for _, it := range view.Data.Items {
				if !it.Active() {
					continue
				}
				price, qty, _ := offer.ItemTerms(it)
				next := price.Add(step)
				if !next.IsPositive() {
					next = price
				}
				req.Items = append(req.Items, offer.ItemProposal{ItemID: it.ID, Price: next, Quantity: qty})
			}
		case roll < 18:
			req.Action = accept
		default:
			req.Action = reject
			req.Reason = "stress"
			req.Category = offer.RejectPrice
		}
		res := p.Svc.Negotiate(ctx, p.caller(), req)
		stats.record(strings.ToLower(string(req.Action)), res.Success, res.Error)
		pause(5, 20)
	}
	return nil
}

// BulkAccepter is a seller finalising random offers, sometimes with an order.
func BulkAccepter(ctx context.Context, seller Party, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id, ok := pickOffer(ctx, seller)
		if !ok {
			pause(10, 20)
			continue
		}
		view := seller.Svc.GetOffer(ctx, seller.caller(), id)
		if !view.Success {
			stats.record("view", false, view.Error)
			continue
		}
		var target *offer.Item
		for i := range view.Data.Items {
			if view.Data.Items[i].Active() {
				target = &view.Data.Items[i]
				break
			}
		}
		if target == nil {
			continue
		}
		qty := target.Quantity
		res := seller.Svc.BulkModifyAndAccept(ctx, seller.caller(), offer.BulkModifyRequest{
			OfferID:       id,
			Modifications: []offer.Modification{{Type: offer.ModUpdateExisting, ItemID: target.ID, Quantity: &qty, Price: &target.BuyerPrice}},
			CreateOrder:   rand.Intn(2) == 0,
		})
		stats.record("bulk_accept", res.Success, res.Error)
		pause(50, 100)
	}
	return nil
}

// Sweeper runs the expiry sweep on a short period.
func Sweeper(ctx context.Context, svc *offer.Service, every time.Duration, stats *Stats, stop <-chan struct{}) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			res := svc.ExpireStale(ctx)
			stats.record("expire", res.Success, res.Error)
		}
	}
}
