package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// requestLog records every upstream path the resolver touches.
type requestLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *requestLog) add(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func (l *requestLog) count(path string) int {
	n := 0
	for _, p := range l.all() {
		if p == path {
			n++
		}
	}
	return n
}

func serveBody(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// newTestResolver stands up a fake marketplace behind the given handler.
// The token endpoint is always served so the cascade gets past the
// client credentials grant.
func newTestResolver(t *testing.T, handler http.HandlerFunc) (*Resolver, *requestLog) {
	t.Helper()
	log := &requestLog{}

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		log.add(r.URL.Path)
		if r.URL.Path == "/oauth/token" {
			serveToken(w, "app-token", "", 21600)
			return
		}
		handler(w, r)
	})

	appTokens := NewAppTokenProvider(api, "client-id", "client-secret")
	return NewResolver(api, appTokens, nil, 0, 0, 0), log
}

func activeListing() meliapi.Item {
	return meliapi.Item{
		ID:           "MLB1234567890",
		Title:        "Suporte Veicular Para Celular",
		Price:        89.9,
		CategoryID:   "MLB1051",
		SellerID:     321,
		SoldQuantity: 50,
		AvailableQty: 12,
		Condition:    "new",
		Permalink:    "https://produto.mercadolivre.com.br/MLB-1234567890",
	}
}

func directItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/MLB1234567890":
			serveBody(w, activeListing())
		case "/items/MLB1234567890/description":
			serveBody(w, meliapi.ItemDescription{PlainText: "Descrição completa do produto"})
		case "/users/321":
			serveBody(w, map[string]interface{}{
				"id":       321,
				"nickname": "LOJA_EXEMPLO",
				"seller_reputation": map[string]interface{}{
					"level_id":     "5_green",
					"transactions": map[string]interface{}{"completed": 1234},
				},
			})
		case "/sites/MLB/search":
			serveBody(w, meliapi.SearchResponse{Results: []meliapi.SearchResult{}})
		case "/items/MLB1234567890/visits":
			serveBody(w, meliapi.ItemVisits{ItemID: "MLB1234567890", TotalVisits: 24000})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestResolveDirectItem(t *testing.T) {
	r, _ := newTestResolver(t, directItemHandler())

	product, err := r.Resolve(context.Background(), "MLB1234567890", "")
	require.NoError(t, err)

	assert.Equal(t, models.SourceItem, product.Source)
	assert.False(t, product.Approximate)
	assert.Equal(t, "MLB1234567890", product.ResolvedItemID)
	assert.Equal(t, 89.9, product.Price)
	assert.Equal(t, "Descrição completa do produto", product.Description)
	assert.Equal(t, "LOJA_EXEMPLO", product.Seller.Nickname)
	assert.Equal(t, "5_green", product.Seller.ReputationTier)
	assert.Empty(t, product.Competitors)

	// 24000 visits over two years: 1000/month, and with 50 sales the
	// conversion rate lands on exactly 5.00%.
	assert.Equal(t, "aggregate_2y", product.VisitsSource)
	assert.Equal(t, 1000.0, product.MonthlyVisits)
	assert.Equal(t, 5.0, product.ConversionRate)
}

func TestResolveNormalizesURLBeforeUpstream(t *testing.T) {
	r, log := newTestResolver(t, directItemHandler())

	rawURL := "https://produto.mercadolivre.com.br/MLB-1234567890-suporte-veicular-_JM"
	product, err := r.Resolve(context.Background(), rawURL, "")
	require.NoError(t, err)

	assert.Equal(t, "MLB1234567890", product.ResolvedItemID)
	assert.Equal(t, rawURL, product.ProductID)

	for _, path := range log.all() {
		assert.NotContains(t, path, "suporte-veicular", "raw URL leaked upstream: %s", path)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r, log := newTestResolver(t, directItemHandler())

	first, err := r.Resolve(context.Background(), "MLB1234567890", "")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "MLB1234567890", "")
	require.NoError(t, err)

	assert.Equal(t, first.ResolvedItemID, second.ResolvedItemID)
	assert.Equal(t, first.Source, second.Source)
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, first.ConversionRate, second.ConversionRate)

	// The application token is grabbed once and cached across calls.
	assert.Equal(t, 1, log.count("/oauth/token"))
}

func TestResolveDegradesEnrichmentFailures(t *testing.T) {
	r, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/items/MLB1234567890":
			serveBody(w, activeListing())
		case "/sites/MLB/search":
			serveBody(w, meliapi.SearchResponse{Results: []meliapi.SearchResult{}})
		default:
			// Description, seller and visits are all down.
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	product, err := r.Resolve(context.Background(), "MLB1234567890", "")
	require.NoError(t, err)

	assert.Equal(t, "No description available", product.Description)
	assert.Equal(t, "unknown", product.Seller.ReputationTier)
	assert.Empty(t, product.Competitors)

	// With every visit source down the sold-quantity heuristic kicks in;
	// its conversion rate is 12x the assumed category rate by construction.
	assert.Equal(t, "heuristic", product.VisitsSource)
	assert.Equal(t, 30.0, product.ConversionRate)
}

func TestResolveCatalogPlaceholder(t *testing.T) {
	r, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/products/MLB999":
			serveBody(w, meliapi.CatalogProduct{
				ID:               "MLB999",
				Name:             "Câmera de Segurança Inteligente",
				Status:           "active",
				CategoryID:       "MLB1000",
				Permalink:        "https://www.mercadolivre.com.br/p/MLB999",
				BuyBoxPriceRange: &meliapi.PriceRange{MinPrice: 100, MaxPrice: 200},
			})
		case "/sites/MLB/search":
			serveBody(w, meliapi.SearchResponse{Results: []meliapi.SearchResult{}})
		default:
			http.NotFound(w, req)
		}
	})

	product, err := r.Resolve(context.Background(), "MLB999", "")
	require.NoError(t, err)

	assert.Equal(t, models.SourceCatalog, product.Source)
	assert.True(t, product.Approximate)
	assert.Empty(t, product.ResolvedItemID)
	assert.Equal(t, "MLB999", product.CatalogProductID)
	assert.Equal(t, "Câmera de Segurança Inteligente", product.Title)
	assert.Equal(t, 150.0, product.Price)
	assert.Zero(t, product.SoldQuantity)
	assert.Zero(t, product.AvailableQty)
	assert.Empty(t, product.Competitors)
}

func TestResolveExhaustionReturnsNotFound(t *testing.T) {
	r, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	})

	raw := "MLB0000000000"
	_, err := r.Resolve(context.Background(), raw, "")
	require.Error(t, err)

	var nfe *NotFoundError
	require.True(t, errors.As(err, &nfe))
	assert.Equal(t, raw, nfe.ProductID)
	assert.Contains(t, err.Error(), raw)
	assert.Equal(t, http.StatusNotFound, nfe.LastStatus)
}

func TestResolveRejectsBadIdentifier(t *testing.T) {
	r, log := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	})

	_, err := r.Resolve(context.Background(), "not a product", "")
	assert.Error(t, err)

	// Normalization failures never reach upstream.
	assert.Empty(t, log.all())
}

func TestResolveExactlyOneBuyBoxWinner(t *testing.T) {
	item := func(id string, sellerID int64, price float64) meliapi.Item {
		return meliapi.Item{
			ID:           id,
			Title:        "Fone Bluetooth",
			Price:        price,
			CategoryID:   "MLB1000",
			SellerID:     sellerID,
			SoldQuantity: 50,
			AvailableQty: 5,
			Condition:    "new",
		}
	}

	resolved := item("MLB100", 1, 90)
	resolved.CatalogProductID = "MLB19955767"

	r, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/items/MLB100":
			serveBody(w, resolved)
		case "/items/MLB100/description":
			serveBody(w, meliapi.ItemDescription{PlainText: "ok"})
		case "/products/MLB19955767/items":
			serveBody(w, map[string]interface{}{"results": []map[string]interface{}{
				{"item_id": "MLB100", "price": 90, "seller_id": 1},
				{"item_id": "MLB200", "price": 85, "seller_id": 2},
				{"item_id": "MLB300", "price": 99, "seller_id": 3},
			}})
		case "/items":
			serveBody(w, []meliapi.MultigetResult{
				{Code: 200, Body: item("MLB100", 1, 90)},
				{Code: 200, Body: item("MLB200", 2, 85)},
				{Code: 200, Body: item("MLB300", 3, 99)},
			})
		case "/items/visits":
			serveBody(w, []meliapi.ItemVisits{
				{ItemID: "MLB100", TotalVisits: 700},
				{ItemID: "MLB200", TotalVisits: 900},
				{ItemID: "MLB300", TotalVisits: 100},
			})
		case "/items/MLB100/visits":
			serveBody(w, meliapi.ItemVisits{ItemID: "MLB100", TotalVisits: 24000})
		default:
			switch {
			case strings.HasPrefix(req.URL.Path, "/users/"):
				serveBody(w, map[string]interface{}{
					"id": 1, "nickname": "SELLER",
					"seller_reputation": map[string]interface{}{"level_id": "4_light_green"},
				})
			default:
				http.NotFound(w, req)
			}
		}
	})

	product, err := r.Resolve(context.Background(), "MLB100", "")
	require.NoError(t, err)
	require.Len(t, product.Competitors, 3)

	winners := 0
	for _, c := range product.Competitors {
		if c.IsBuyBoxWinner {
			winners++
			assert.Equal(t, product.ResolvedItemID, c.ItemID)
			assert.Equal(t, int64(700), c.TotalVisits)
		}
	}
	assert.Equal(t, 1, winners)
}
