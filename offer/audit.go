package offer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Audit actions, one per status-changing engine invocation.
const (
	AuditCreated      = "OFFER_CREATED"
	AuditCountered    = "OFFER_COUNTERED"
	AuditAccepted     = "OFFER_ACCEPTED"
	AuditRejected     = "OFFER_REJECTED"
	AuditBulkAccepted = "OFFER_BULK_ACCEPTED"
	AuditExpired      = "OFFER_EXPIRED"
)

type outboxPayload struct {
	OfferID   string         `json:"offer_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	OldStatus OfferStatus    `json:"old_status,omitempty"`
	NewStatus OfferStatus    `json:"new_status"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

func outboxTopic(action string) string {
	return "catalog_offer." + strings.ToLower(strings.TrimPrefix(action, "OFFER_"))
}

// recordAudit appends the audit row and its outbox message in tx.
func recordAudit(ctx context.Context, tx Tx, e AuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if err := tx.InsertAudit(ctx, e); err != nil {
		return fmt.Errorf("offer: insert audit: %w", err)
	}

	payload, err := json.Marshal(outboxPayload{
		OfferID:   e.OfferID,
		ActorID:   e.ActorID,
		Action:    e.Action,
		OldStatus: e.OldStatus,
		NewStatus: e.NewStatus,
		Summary:   e.Summary,
		Metadata:  e.Metadata,
		At:        e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("offer: marshal outbox payload: %w", err)
	}
	if err := tx.EnqueueOutbox(ctx, outboxTopic(e.Action), payload); err != nil {
		return fmt.Errorf("offer: enqueue outbox: %w", err)
	}
	return nil
}
