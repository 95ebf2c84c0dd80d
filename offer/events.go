package offer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a post-commit notification.
type EventType string

const (
	EventCreated      EventType = "offer.created"
	EventCountered    EventType = "offer.countered"
	EventAccepted     EventType = "offer.accepted"
	EventRejected     EventType = "offer.rejected"
	EventBulkAccepted EventType = "offer.bulk_accepted"
	EventExpired      EventType = "offer.expired"
)

// Event is delivered to the Notifier once the transaction that produced it
// has committed.
type Event struct {
	Type        EventType       `json:"type"`
	OfferID     string          `json:"offer_id"`
	PublicID    string          `json:"public_id"`
	ActorID     string          `json:"actor_id,omitempty"`
	RecipientID string          `json:"recipient_id"`
	Status      OfferStatus     `json:"status"`
	Round       int             `json:"round"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	OrderNumber string          `json:"order_number,omitempty"`
	At          time.Time       `json:"at"`
}

// Notifier receives fire-and-forget notifications. Implementations must not
// block the caller and must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// eventFor builds an event addressed to the party opposite actorID. Expiry
// events have no actor and go to the buyer.
func eventFor(t EventType, o Offer, actorID string, at time.Time) Event {
	recipient := o.BuyerID
	if actorID == o.BuyerID {
		recipient = o.SellerID
	}
	return Event{
		Type:        t,
		OfferID:     o.ID,
		PublicID:    o.PublicID,
		ActorID:     actorID,
		RecipientID: recipient,
		Status:      o.Status,
		Round:       o.CurrentRound,
		Total:       o.TotalValue,
		Currency:    o.Currency,
		At:          at,
	}
}
