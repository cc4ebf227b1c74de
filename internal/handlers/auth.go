package handlers

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/sellerhub/meli-insights/internal/config"
	"github.com/sellerhub/meli-insights/internal/services"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// AccountHandler manages the Mercado Livre account connect flow and
// the linked-account endpoints.
type AccountHandler struct {
	accounts *services.AccountService
	api      *meliapi.Client
	cfg      *config.Config
}

func NewAccountHandler(accounts *services.AccountService, api *meliapi.Client, cfg *config.Config) *AccountHandler {
	return &AccountHandler{accounts: accounts, api: api, cfg: cfg}
}

func (h *AccountHandler) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.MeliClientID,
		ClientSecret: h.cfg.MeliClientSecret,
		RedirectURL:  h.cfg.MeliRedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://auth.mercadolivre.com.br/authorization",
			TokenURL: "https://api.mercadolibre.com/oauth/token",
		},
	}
}

// signedState encodes the student ID into a short-lived JWT so the
// callback can tie the grant back to the right student without a
// server-side session.
func signedState(studentID string) (string, error) {
	claims := jwt.MapClaims{
		"student_id": studentID,
		"exp":        time.Now().Add(15 * time.Minute).Unix(),
		"iat":        time.Now().Unix(),
		"iss":        "meli-insights",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret()))
}

func studentFromState(state string) (string, error) {
	token, err := jwt.Parse(state, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret()), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid state")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid state")
	}
	studentID, _ := claims["student_id"].(string)
	if studentID == "" {
		return "", fmt.Errorf("state missing student")
	}
	return studentID, nil
}

// Connect starts the Mercado Livre authorization-code flow.
// GET /api/v1/accounts/connect
func (h *AccountHandler) Connect(w http.ResponseWriter, r *http.Request) {
	studentID, ok := GetStudentIDFromContext(r.Context())
	if !ok {
		studentID = r.URL.Query().Get("studentId")
	}
	if studentID == "" {
		http.Error(w, "Student identification required", http.StatusBadRequest)
		return
	}

	state, err := signedState(studentID)
	if err != nil {
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	url := h.oauthConfig().AuthCodeURL(state)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback completes the authorization-code flow and stores the linked
// account.
// GET /api/v1/accounts/callback
func (h *AccountHandler) Callback(w http.ResponseWriter, r *http.Request) {
	studentID, err := studentFromState(r.FormValue("state"))
	if err != nil {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		http.Error(w, "Code not found", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	token, err := h.oauthConfig().Exchange(ctx, code)
	if err != nil {
		http.Error(w, "Failed to exchange token: "+err.Error(), http.StatusInternalServerError)
		return
	}

	user, err := h.api.FetchMe(ctx, token.AccessToken)
	if err != nil {
		http.Error(w, "Failed to fetch seller profile", http.StatusBadGateway)
		return
	}

	grant := &meliapi.TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    int64(time.Until(token.Expiry).Seconds()),
	}
	if _, err := h.accounts.UpsertFromOAuth(ctx, studentID, user, grant); err != nil {
		http.Error(w, "Failed to store linked account", http.StatusInternalServerError)
		return
	}

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}
	http.Redirect(w, r, fmt.Sprintf("%s/accounts?connected=%s", frontendURL, user.Nickname), http.StatusFound)
}

// List returns the student's linked accounts.
// GET /api/v1/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	studentID, ok := GetStudentIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), studentID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// Delete removes a linked account.
// DELETE /api/v1/accounts/{accountID}
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	studentID, ok := GetStudentIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	if err := h.accounts.DeleteAccount(r.Context(), accountID, studentID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
