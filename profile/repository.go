package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound signals the requested profile does not exist.
var ErrNotFound = errors.New("profile: not found")

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository provides access to buyer profiles.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const columns = `id, public_id, user_id, company_name, verification_status, created_at`

func (r *Repository) Create(ctx context.Context, p Profile) (Profile, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO buyer_profiles (public_id, user_id, company_name, verification_status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+columns, p.PublicID, p.UserID, p.CompanyName, p.VerificationStatus)
	out, err := scan(row)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: create: %w", err)
	}
	return out, nil
}

// GetByID fetches a profile by internal key or public identifier.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	p, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM buyer_profiles WHERE id = $1 OR public_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: query by id: %w", err)
	}
	return p, nil
}

// ListByUser returns up to limit profiles owned by userID, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM buyer_profiles
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate profiles: %w", err)
	}
	return profiles, nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE buyer_profiles SET verification_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("profile: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scan(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.PublicID, &p.UserID, &p.CompanyName, &p.VerificationStatus, &p.CreatedAt)
	return p, err
}
