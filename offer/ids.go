package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityKind selects the table a public identifier belongs to.
type EntityKind string

const (
	EntityOffer        EntityKind = "offer"
	EntityItem         EntityKind = "item"
	EntityListing      EntityKind = "listing"
	EntityVariant      EntityKind = "variant"
	EntityBuyerProfile EntityKind = "buyer_profile"
)

// PublicIDLength is the fixed length of externally visible identifiers.
const PublicIDLength = 14

// Ref is an identifier supplied by a caller. It is either already an internal
// key or a public token that still needs a lookup.
type Ref struct {
	value    string
	resolved bool
}

// ParseRef classifies s once. Internal keys are UUIDs; public identifiers are
// 14 upper-case alphanumerics.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if id, err := uuid.Parse(s); err == nil {
		return Ref{value: id.String(), resolved: true}, nil
	}
	if isPublicID(s) {
		return Ref{value: s}, nil
	}
	return Ref{}, fmt.Errorf("offer: malformed identifier %q", s)
}

func (r Ref) String() string { return r.value }
func (r Ref) Resolved() bool { return r.resolved }

func isPublicID(s string) bool {
	if len(s) != PublicIDLength {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// NewPublicID derives a public token from a fresh UUID.
func NewPublicID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:PublicIDLength]
}

var notFoundCodes = map[EntityKind]Code{
	EntityOffer:        CodeOfferNotFound,
	EntityItem:         CodeInvalidOfferItem,
	EntityListing:      CodeListingNotFound,
	EntityVariant:      CodeVariantNotFound,
	EntityBuyerProfile: CodeBuyerProfileNotFound,
}

// resolve turns a raw caller string into an internal key. It is the only
// place that distinguishes public from internal identifiers.
func resolve(ctx context.Context, tx Tx, kind EntityKind, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", newError(CodeInvalidIdentifier, fmt.Sprintf("invalid %s identifier", kind),
			FieldDetails{Field: string(kind) + "_id", Value: raw})
	}
	if ref.Resolved() {
		return ref.String(), nil
	}

	id, err := tx.ResolvePublicID(ctx, kind, ref.String())
	if errors.Is(err, ErrNotFound) {
		return "", newError(notFoundCodes[kind], fmt.Sprintf("%s %s not found", kind, ref),
			FieldDetails{Field: string(kind) + "_id", Value: raw})
	}
	if err != nil {
		return "", fmt.Errorf("offer: resolve %s: %w", kind, err)
	}
	return id, nil
}
