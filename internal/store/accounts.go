package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/postloom/postloom/backend/internal/models"
)

// AccountStore reads and writes connected-account rows. Token columns carry
// ciphertext only; encryption and decryption happen in the account directory.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore { return &AccountStore{db: db} }

// Get fetches an account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (*models.ConnectedAccount, error) {
	var a models.ConnectedAccount
	var externalName, refreshEnc sql.NullString
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, platform, external_id, external_name, is_active,
		       access_token_enc, refresh_token_enc, token_expires_at, created_at, updated_at
		  FROM public.connected_accounts
		 WHERE id = $1
	`, id).Scan(&a.ID, &a.WorkspaceID, &a.Platform, &a.ExternalID, &externalName, &a.IsActive,
		&a.AccessTokenEnc, &refreshEnc, &expiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.ExternalName = nullStringPtr(externalName)
	a.RefreshTokenEnc = nullStringPtr(refreshEnc)
	a.TokenExpiresAt = nullTimePtr(expiresAt)
	return &a, nil
}

// Create inserts an account row. Token fields must already be ciphertext.
func (s *AccountStore) Create(ctx context.Context, a *models.ConnectedAccount) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.connected_accounts
		  (id, workspace_id, platform, external_id, external_name, is_active,
		   access_token_enc, refresh_token_enc, token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.ID, a.WorkspaceID, a.Platform, a.ExternalID, a.ExternalName, a.IsActive,
		a.AccessTokenEnc, a.RefreshTokenEnc, a.TokenExpiresAt)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// UpdateTokens replaces the stored credential ciphertext (used after a token
// refresh by the excluded CRUD layer).
func (s *AccountStore) UpdateTokens(ctx context.Context, id, accessEnc string, refreshEnc *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.connected_accounts
		   SET access_token_enc = $2, refresh_token_enc = $3, updated_at = NOW()
		 WHERE id = $1
	`, id, accessEnc, refreshEnc)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return requireOneRow(res)
}
