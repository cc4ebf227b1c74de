package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/crypto"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func newTestAPI(t *testing.T, handler http.HandlerFunc) *meliapi.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := meliapi.NewClient("MLB", "", 0, 5*time.Second)
	client.SetBaseURL(srv.URL)
	return client
}

func serveToken(w http.ResponseWriter, access, refresh string, expiresIn int64) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meliapi.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refresh,
	})
}

func TestAppTokenProviderCachesUntilNearExpiry(t *testing.T) {
	var grants int32
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		atomic.AddInt32(&grants, 1)
		serveToken(w, "app-token", "", 21600)
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewAppTokenProvider(api, "client-id", "client-secret")
	p.now = func() time.Time { return now }

	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "app-token", token)

	// Second call within the validity window reuses the cached token.
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&grants))

	// Past expiry a fresh grant is performed.
	now = now.Add(6 * time.Hour)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&grants))
}

func TestAppTokenProviderMissingCredentials(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	})

	p := NewAppTokenProvider(api, "", "")
	_, err := p.Token(context.Background())
	assert.Error(t, err)
}

type fakeAccountStore struct {
	account *models.MeliAccount

	updatedAccess     string
	updatedRefreshEnc string
	updatedExpiry     time.Time
	reconnectFlagged  bool
}

func (s *fakeAccountStore) PrimaryAccount(ctx context.Context, studentID string) (*models.MeliAccount, error) {
	return s.account, nil
}

func (s *fakeAccountStore) UpdateTokens(ctx context.Context, accountID, accessToken, refreshTokenEnc string, expiresAt time.Time) error {
	s.updatedAccess = accessToken
	s.updatedRefreshEnc = refreshTokenEnc
	s.updatedExpiry = expiresAt
	return nil
}

func (s *fakeAccountStore) MarkReconnectNeeded(ctx context.Context, accountID string) error {
	s.reconnectFlagged = true
	return nil
}

func linkedAccount(t *testing.T, expiresIn time.Duration, refreshToken string) *models.MeliAccount {
	t.Helper()
	account := &models.MeliAccount{
		ID:             "acc-1",
		StudentID:      "student-1",
		AccessToken:    "stored-access",
		TokenExpiresAt: time.Now().Add(expiresIn),
		IsPrimary:      true,
		IsActive:       true,
		SyncStatus:     models.SyncStatusOK,
	}
	if refreshToken != "" {
		enc, err := crypto.Seal(testEncryptionKey, refreshToken)
		require.NoError(t, err)
		account.RefreshTokenEnc = enc
	}
	return account
}

func TestActorTokenProviderReturnsStoredWhenFresh(t *testing.T) {
	var grants int32
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grants, 1)
		serveToken(w, "new-access", "", 21600)
	})

	store := &fakeAccountStore{account: linkedAccount(t, time.Hour, "old-refresh")}
	p := NewActorTokenProvider(store, api, "client-id", "client-secret", testEncryptionKey)

	token, ok, err := p.Token(context.Background(), "student-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stored-access", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&grants))
}

func TestActorTokenProviderRefreshesNearExpiry(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "old-refresh", r.FormValue("refresh_token"))
		serveToken(w, "new-access", "rotated-refresh", 21600)
	})

	store := &fakeAccountStore{account: linkedAccount(t, time.Minute, "old-refresh")}
	p := NewActorTokenProvider(store, api, "client-id", "client-secret", testEncryptionKey)

	token, ok, err := p.Token(context.Background(), "student-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new-access", token)

	// The rotated pair is persisted, refresh token encrypted.
	assert.Equal(t, "new-access", store.updatedAccess)
	rotated, err := crypto.Open(testEncryptionKey, store.updatedRefreshEnc)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", rotated)
	assert.False(t, store.reconnectFlagged)
}

func TestActorTokenProviderFlagsReconnectOnRefreshFailure(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	store := &fakeAccountStore{account: linkedAccount(t, time.Minute, "old-refresh")}
	p := NewActorTokenProvider(store, api, "client-id", "client-secret", testEncryptionKey)

	_, ok, err := p.Token(context.Background(), "student-1")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.True(t, store.reconnectFlagged)
}

func TestActorTokenProviderNoLinkedAccount(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	})

	p := NewActorTokenProvider(&fakeAccountStore{}, api, "client-id", "client-secret", testEncryptionKey)

	token, ok, err := p.Token(context.Background(), "student-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)

	// Blank student means an anonymous call, also not an error.
	_, ok, err = p.Token(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActorTokenProviderExpiredWithoutRefreshToken(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	})

	store := &fakeAccountStore{account: linkedAccount(t, time.Minute, "")}
	p := NewActorTokenProvider(store, api, "client-id", "client-secret", testEncryptionKey)

	_, ok, err := p.Token(context.Background(), "student-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
