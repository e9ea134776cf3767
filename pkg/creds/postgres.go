package creds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doggyhole/doggyhole-go/internal/postgres"
)

// PGStore persists credentials in a single PostgreSQL table. The token column
// carries a unique constraint, so claiming another name's token surfaces as a
// unique violation and maps to ErrTokenInUse.
type PGStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore creates a credential store backed by the given connection pool.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Authenticate resolves a token to its canonical name.
func (s *PGStore) Authenticate(ctx context.Context, token string) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM credentials WHERE token = $1`, token).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownToken
		}
		return "", fmt.Errorf("authenticate token: %w", err)
	}
	return name, nil
}

// Set creates or replaces the credential for name.
func (s *PGStore) Set(ctx context.Context, name, token string) error {
	if name == "" || token == "" {
		return ErrInvalidCredential
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO credentials (name, token)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET token = EXCLUDED.token, updated_at = now()`,
		name, token,
	)
	if err != nil {
		return mapSetError(err)
	}
	return nil
}

// Remove deletes the credential for name.
func (s *PGStore) Remove(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownUser
	}
	return nil
}

// Names returns the sorted names of all stored credentials.
func (s *PGStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credential names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan credential name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credential names: %w", err)
	}
	return names, nil
}

// mapSetError translates the unique violation raised by the token constraint
// into the store's sentinel error.
func mapSetError(err error) error {
	if postgres.IsUniqueViolation(err) {
		return ErrTokenInUse
	}
	return fmt.Errorf("set credential: %w", err)
}
