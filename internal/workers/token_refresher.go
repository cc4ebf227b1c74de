package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/services"
)

// Refresh tokens expiring within this window on each sweep.
const refreshWindow = 30 * time.Minute

// TokenRefresher keeps linked-account tokens fresh in the background so
// resolve requests rarely pay the refresh round-trip.
type TokenRefresher struct {
	accounts    *services.AccountService
	actorTokens *services.ActorTokenProvider
	interval    time.Duration
}

func NewTokenRefresher(accounts *services.AccountService, actorTokens *services.ActorTokenProvider, interval time.Duration) *TokenRefresher {
	return &TokenRefresher{accounts: accounts, actorTokens: actorTokens, interval: interval}
}

// Start runs the refresh loop until the context is cancelled.
func (t *TokenRefresher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		t.sweep(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()
}

func (t *TokenRefresher) sweep(ctx context.Context) {
	accounts, err := t.accounts.ExpiringAccounts(ctx, refreshWindow)
	if err != nil {
		log.Error().Err(err).Msg("Token refresher: failed to list expiring accounts")
		return
	}
	if len(accounts) == 0 {
		return
	}

	log.Info().Int("count", len(accounts)).Msg("Token refresher: refreshing expiring accounts")

	for i := range accounts {
		account := &accounts[i]
		if _, err := t.actorTokens.Refresh(ctx, account); err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("Token refresher: refresh failed")
		}
	}
}
