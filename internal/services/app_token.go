package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// Reuse the cached application token while at least this much validity
// remains.
const appTokenSkew = 60 * time.Second

// AppTokenProvider holds the application-level (client credentials)
// token. Single slot, process-wide; concurrent callers may race into a
// duplicate grant, which the upstream token endpoint tolerates.
type AppTokenProvider struct {
	api          *meliapi.Client
	clientID     string
	clientSecret string
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAppTokenProvider creates an AppTokenProvider for the configured
// application credentials.
func NewAppTokenProvider(api *meliapi.Client, clientID, clientSecret string) *AppTokenProvider {
	return &AppTokenProvider{
		api:          api,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Token returns a valid application token, performing a client
// credentials grant when the cached one is missing or about to expire.
// Missing credentials are a configuration error, never retried.
func (p *AppTokenProvider) Token(ctx context.Context) (string, error) {
	if p.clientID == "" || p.clientSecret == "" {
		return "", fmt.Errorf("marketplace application credentials are not configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.expiresAt.Sub(p.now()) > appTokenSkew {
		return p.token, nil
	}

	grant, err := p.api.ClientCredentialsGrant(ctx, p.clientID, p.clientSecret)
	if err != nil {
		return "", fmt.Errorf("application token grant failed: %w", err)
	}

	p.token = grant.AccessToken
	p.expiresAt = p.now().Add(time.Duration(grant.ExpiresIn) * time.Second)

	log.Debug().Time("expires_at", p.expiresAt).Msg("Application token refreshed")
	return p.token, nil
}
