package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/crypto"
	"github.com/sellerhub/meli-insights/pkg/database"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// AccountService manages linked Mercado Livre seller accounts.
type AccountService struct {
	db            *database.DB
	encryptionKey string
}

// NewAccountService creates an AccountService.
func NewAccountService(db *database.DB, encryptionKey string) *AccountService {
	return &AccountService{db: db, encryptionKey: encryptionKey}
}

const accountColumns = `id, student_id, meli_user_id, nickname, access_token, refresh_token_enc,
	token_expires_at, site_id, is_primary, is_active, sync_status, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.MeliAccount, error) {
	var a models.MeliAccount
	err := row.Scan(
		&a.ID, &a.StudentID, &a.MeliUserID, &a.Nickname, &a.AccessToken, &a.RefreshTokenEnc,
		&a.TokenExpiresAt, &a.SiteID, &a.IsPrimary, &a.IsActive, &a.SyncStatus, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PrimaryAccount returns the student's primary linked account, or nil
// when none exists.
func (s *AccountService) PrimaryAccount(ctx context.Context, studentID string) (*models.MeliAccount, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM meli_accounts WHERE student_id = $1 AND is_primary = true`,
		studentID)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query primary account: %w", err)
	}
	return account, nil
}

// UpdateTokens persists a refreshed token pair and marks the account healthy.
func (s *AccountService) UpdateTokens(ctx context.Context, accountID, accessToken, refreshTokenEnc string, expiresAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE meli_accounts
		SET access_token = $1, refresh_token_enc = $2, token_expires_at = $3,
			is_active = true, sync_status = $4, updated_at = NOW()
		WHERE id = $5
	`, accessToken, refreshTokenEnc, expiresAt, models.SyncStatusOK, accountID)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}

// MarkReconnectNeeded deactivates an account whose refresh grant failed.
func (s *AccountService) MarkReconnectNeeded(ctx context.Context, accountID string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE meli_accounts
		SET is_active = false, sync_status = $1, updated_at = NOW()
		WHERE id = $2
	`, models.SyncStatusReconnectNeeded, accountID)
	if err != nil {
		return fmt.Errorf("failed to flag account for reconnect: %w", err)
	}
	return nil
}

// UpsertFromOAuth stores the outcome of a completed authorization-code
// flow as the student's primary account, demoting any previous primary.
func (s *AccountService) UpsertFromOAuth(ctx context.Context, studentID string, user *meliapi.User, grant *meliapi.TokenResponse) (*models.MeliAccount, error) {
	refreshEnc := ""
	if grant.RefreshToken != "" {
		enc, err := crypto.Seal(s.encryptionKey, grant.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshEnc = enc
	}

	expiresAt := time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)

	// Demote any existing primary so the partial unique index holds.
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE meli_accounts SET is_primary = false, updated_at = NOW() WHERE student_id = $1 AND is_primary = true AND meli_user_id <> $2`,
		studentID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to demote previous primary account: %w", err)
	}

	row := s.db.Pool.QueryRow(ctx, `
		INSERT INTO meli_accounts (student_id, meli_user_id, nickname, access_token, refresh_token_enc,
			token_expires_at, site_id, is_primary, is_active, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, true, $8)
		ON CONFLICT (student_id) WHERE is_primary
		DO UPDATE SET meli_user_id = EXCLUDED.meli_user_id,
			nickname = EXCLUDED.nickname,
			access_token = EXCLUDED.access_token,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			token_expires_at = EXCLUDED.token_expires_at,
			site_id = EXCLUDED.site_id,
			is_active = true,
			sync_status = EXCLUDED.sync_status,
			updated_at = NOW()
		RETURNING `+accountColumns,
		studentID, user.ID, user.Nickname, grant.AccessToken, refreshEnc,
		expiresAt, user.SiteID, models.SyncStatusOK)

	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert linked account: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account linked by a student.
func (s *AccountService) ListAccounts(ctx context.Context, studentID string) ([]models.MeliAccount, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+accountColumns+` FROM meli_accounts WHERE student_id = $1 ORDER BY created_at DESC`,
		studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.MeliAccount, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			continue
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// DeleteAccount removes a linked account owned by the student.
func (s *AccountService) DeleteAccount(ctx context.Context, accountID, studentID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM meli_accounts WHERE id = $1 AND student_id = $2`,
		accountID, studentID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found")
	}
	return nil
}

// ExpiringAccounts returns active primary accounts whose token expires
// within the given window. Used by the background refresher.
func (s *AccountService) ExpiringAccounts(ctx context.Context, within time.Duration) ([]models.MeliAccount, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+accountColumns+` FROM meli_accounts
		 WHERE is_primary = true AND is_active = true AND refresh_token_enc <> ''
		   AND token_expires_at < NOW() + $1::interval
		 ORDER BY token_expires_at ASC`,
		within.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.MeliAccount, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			continue
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}
