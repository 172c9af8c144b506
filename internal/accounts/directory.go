// Package accounts exposes connected accounts to the engine: the directory
// is the only place credential ciphertext is decoded, so everything above it
// sees plaintext and everything below it sees ciphertext.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postloom/postloom/backend/internal/models"
	"github.com/postloom/postloom/backend/internal/store"
	"github.com/postloom/postloom/backend/internal/vault"
)

// ErrAccountUnavailable marks an account that is missing, deactivated or has
// an expired credential. There is no point retrying a publish against it.
var ErrAccountUnavailable = errors.New("accounts: account unavailable")

// Resolved is the directory's view of one account, credential decrypted.
type Resolved struct {
	ID           string
	WorkspaceID  string
	Platform     string
	ExternalID   string
	ExternalName string
	IsActive     bool
	AccessToken  string
	RefreshToken string
}

type Directory struct {
	accounts *store.AccountStore
	vault    *vault.Vault
	now      func() time.Time
}

func NewDirectory(accounts *store.AccountStore, v *vault.Vault) *Directory {
	return &Directory{accounts: accounts, vault: v, now: time.Now}
}

// Resolve loads and decrypts the account. Missing, inactive or token-expired
// accounts return ErrAccountUnavailable. A decryption failure propagates the
// vault error unwrapped inside it — it must surface as a permanent publish
// failure, never as an absent credential.
func (d *Directory) Resolve(ctx context.Context, accountID string) (*Resolved, error) {
	a, err := d.accounts.Get(ctx, accountID)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: account %s not found", ErrAccountUnavailable, accountID)
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, fmt.Errorf("%w: account %s is deactivated", ErrAccountUnavailable, accountID)
	}
	if a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(d.now()) {
		return nil, fmt.Errorf("%w: credential for account %s expired at %s",
			ErrAccountUnavailable, accountID, a.TokenExpiresAt.UTC().Format(time.RFC3339))
	}

	access, err := d.vault.Decrypt(a.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for account %s: %w", accountID, err)
	}
	var refresh string
	if a.RefreshTokenEnc != nil {
		refresh, err = d.vault.Decrypt(*a.RefreshTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token for account %s: %w", accountID, err)
		}
	}

	r := &Resolved{
		ID:           a.ID,
		WorkspaceID:  a.WorkspaceID,
		Platform:     a.Platform,
		ExternalID:   a.ExternalID,
		IsActive:     a.IsActive,
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if a.ExternalName != nil {
		r.ExternalName = *a.ExternalName
	}
	return r, nil
}

// Connect stores a new account, encrypting the plaintext credentials on the
// way in.
func (d *Directory) Connect(ctx context.Context, a *models.ConnectedAccount, accessToken string, refreshToken *string) error {
	enc, err := d.vault.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	a.AccessTokenEnc = enc
	a.RefreshTokenEnc = nil
	if refreshToken != nil {
		rEnc, err := d.vault.Encrypt(*refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		a.RefreshTokenEnc = &rEnc
	}
	return d.accounts.Create(ctx, a)
}
