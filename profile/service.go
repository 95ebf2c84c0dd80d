// Package profile manages the buyer company profiles offers are placed under.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"offerflow/offer"
)

var (
	// ErrForbidden signals a caller acting on a profile they do not own.
	ErrForbidden = errors.New("profile: forbidden")
	// ErrInvalid signals malformed input.
	ErrInvalid = errors.New("profile: invalid input")
)

// Store abstracts repository operations for the service.
type Store interface {
	Create(ctx context.Context, p Profile) (Profile, error)
	GetByID(ctx context.Context, id string) (Profile, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Profile, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// Service exposes buyer-profile operations.
type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Create registers a new PENDING profile for the buyer.
func (s *Service) Create(ctx context.Context, userID, companyName string) (Profile, error) {
	name := strings.TrimSpace(companyName)
	if name == "" {
		return Profile{}, fmt.Errorf("%w: company_name is required", ErrInvalid)
	}
	return s.repo.Create(ctx, Profile{
		PublicID:           offer.NewPublicID(),
		UserID:             userID,
		CompanyName:        name,
		VerificationStatus: StatusPending,
	})
}

// Get returns a profile visible to the caller: its owner, or any admin.
func (s *Service) Get(ctx context.Context, callerID string, admin bool, id string) (Profile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	if !admin && p.UserID != callerID {
		return Profile{}, ErrForbidden
	}
	return p, nil
}

func (s *Service) ListMine(ctx context.Context, userID string) ([]Profile, error) {
	return s.repo.ListByUser(ctx, userID, 100)
}

// SetVerification is the admin decision on a profile.
func (s *Service) SetVerification(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown verification status %q", ErrInvalid, status)
	}
	return s.repo.SetStatus(ctx, id, status)
}
