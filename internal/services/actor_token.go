package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/crypto"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// Refresh the actor token when less than this remains before expiry.
const actorTokenSkew = 5 * time.Minute

// AccountStore is the persistence surface the actor token provider
// needs. Implemented by AccountService over Postgres.
type AccountStore interface {
	// PrimaryAccount returns the student's primary linked account, or
	// (nil, nil) when none exists.
	PrimaryAccount(ctx context.Context, studentID string) (*models.MeliAccount, error)
	UpdateTokens(ctx context.Context, accountID, accessToken, refreshTokenEnc string, expiresAt time.Time) error
	MarkReconnectNeeded(ctx context.Context, accountID string) error
}

// ActorTokenProvider yields per-student OAuth tokens backed by the
// linked-account store, refreshing them near expiry. A missing account
// is not an error: callers proceed without personalized data.
type ActorTokenProvider struct {
	store         AccountStore
	api           *meliapi.Client
	clientID      string
	clientSecret  string
	encryptionKey string
	now           func() time.Time
}

// NewActorTokenProvider creates an ActorTokenProvider.
func NewActorTokenProvider(store AccountStore, api *meliapi.Client, clientID, clientSecret, encryptionKey string) *ActorTokenProvider {
	return &ActorTokenProvider{
		store:         store,
		api:           api,
		clientID:      clientID,
		clientSecret:  clientSecret,
		encryptionKey: encryptionKey,
		now:           time.Now,
	}
}

// Token returns (token, true, nil) when an actor token is available,
// (_, false, nil) when the student has no usable linked account, and a
// non-nil error only when a refresh was attempted and failed. On
// refresh failure the account is flagged reconnect_needed.
func (p *ActorTokenProvider) Token(ctx context.Context, studentID string) (string, bool, error) {
	if studentID == "" {
		return "", false, nil
	}

	account, err := p.store.PrimaryAccount(ctx, studentID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load linked account: %w", err)
	}
	if account == nil || !account.IsActive {
		return "", false, nil
	}

	if account.TokenExpiresAt.Sub(p.now()) > actorTokenSkew {
		return account.AccessToken, true, nil
	}

	if account.RefreshTokenEnc == "" {
		// Expired with no way to renew: proceed unprivileged.
		return "", false, nil
	}

	accessToken, err := p.Refresh(ctx, account)
	if err != nil {
		return "", false, err
	}
	return accessToken, true, nil
}

// Refresh performs the refresh grant for a linked account and persists
// the rotated token pair. On grant failure the account is flagged
// reconnect_needed.
func (p *ActorTokenProvider) Refresh(ctx context.Context, account *models.MeliAccount) (string, error) {
	refreshToken, err := crypto.Open(p.encryptionKey, account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	grant, err := p.api.RefreshTokenGrant(ctx, p.clientID, p.clientSecret, refreshToken)
	if err != nil {
		if markErr := p.store.MarkReconnectNeeded(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Str("account_id", account.ID).Msg("Failed to flag account for reconnect")
		}
		log.Warn().Err(err).Str("student_id", account.StudentID).Msg("Actor token refresh failed, account needs reconnect")
		return "", fmt.Errorf("actor token refresh failed: %w", err)
	}

	newRefresh := grant.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	refreshEnc, err := crypto.Seal(p.encryptionKey, newRefresh)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiresAt := p.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	if err := p.store.UpdateTokens(ctx, account.ID, grant.AccessToken, refreshEnc, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	log.Debug().Str("student_id", account.StudentID).Time("expires_at", expiresAt).Msg("Actor token refreshed")
	return grant.AccessToken, nil
}
