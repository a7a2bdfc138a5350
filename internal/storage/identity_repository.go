package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/models"
)

// IdentityRepository maps external identities to accounts
type IdentityRepository struct {
	db *DB
}

// NewIdentityRepository creates a new identity link repository
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Find returns the account linked to an external identity, or
// ErrIdentityNotFound
func (r *IdentityRepository) Find(ctx context.Context, provider, externalID string) (string, error) {
	var userID string
	err := r.db.conn.GetContext(ctx, &userID,
		`SELECT user_id FROM identity_links WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrIdentityNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find identity link: %w", err)
	}
	return userID, nil
}

// Link records the mapping unless one exists and returns the account the
// identity is linked to afterwards. The first link wins.
func (r *IdentityRepository) Link(ctx context.Context, provider, externalID, userID string) (string, error) {
	query := `
		WITH inserted AS (
			INSERT INTO identity_links (provider, external_id, user_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, external_id) DO NOTHING
			RETURNING user_id
		)
		SELECT user_id FROM inserted
		UNION ALL
		SELECT user_id FROM identity_links WHERE provider = $1 AND external_id = $2
		LIMIT 1`

	var linked string
	if err := r.db.conn.GetContext(ctx, &linked, query, provider, externalID, userID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to link identity: %w", err)
	}
	return linked, nil
}

// List returns the identities linked to an account
func (r *IdentityRepository) List(ctx context.Context, userID string) ([]*models.IdentityLink, error) {
	var links []*models.IdentityLink
	err := r.db.conn.SelectContext(ctx, &links,
		`SELECT provider, external_id, user_id, created_at FROM identity_links WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identity links: %w", err)
	}
	return links, nil
}
