package meliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Browser-like headers. The marketplace edge occasionally bot-filters
// requests carrying default Go user agents, so every call sends these.
const (
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	acceptHeader   = "application/json"
	acceptLanguage = "pt-BR,pt;q=0.9,en;q=0.8"
)

// Client wraps the Mercado Livre REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	siteID     string
	limiter    *RateLimiter

	// Unauthenticated public search is throttled harder upstream, so it
	// gets its own local limiter on top of the shared Redis window.
	publicLimiter *rate.Limiter
}

// NewClient creates a new Mercado Livre API client.
func NewClient(siteID, redisURL string, rateLimit int, timeout time.Duration) *Client {
	var limiter *RateLimiter
	if redisURL != "" {
		l, err := NewRateLimiter(redisURL, rateLimit, "meli_api:rate_limit")
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize rate limiter, proceeding without limits")
		} else {
			limiter = l
			log.Info().Msg("Rate limiter initialized")
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:       "https://api.mercadolibre.com",
		siteID:        siteID,
		limiter:       limiter,
		publicLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// SetBaseURL overrides the upstream base URL (tests).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// SiteID returns the marketplace site this client targets (e.g. MLB).
func (c *Client) SiteID() string {
	return c.siteID
}

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode
	}
	return 0
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.WaitForTicket(ctx)
}

// getJSON performs a GET with the standard headers, decoding into out.
// An empty token means an unauthenticated call.
func (c *Client) getJSON(ctx context.Context, rawURL, token string, out interface{}) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Truncate to keep upstream HTML error pages out of the logs
		errMsg := string(body)
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		return &APIError{StatusCode: resp.StatusCode, Body: errMsg}
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = json.RawMessage(body)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Attribute is a single item or catalog attribute (brand, model, ...).
type Attribute struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ValueName string `json:"value_name"`
}

// ItemShipping carries the shipping flags of a listing.
type ItemShipping struct {
	Mode         string `json:"mode"`
	LogisticType string `json:"logistic_type"`
	FreeShipping bool   `json:"free_shipping"`
}

// Item is a single marketplace listing.
type Item struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	CatalogProductID string       `json:"catalog_product_id"`
	Price            float64      `json:"price"`
	CategoryID       string       `json:"category_id"`
	SellerID         int64        `json:"seller_id"`
	SoldQuantity     int64        `json:"sold_quantity"`
	AvailableQty     int64        `json:"available_quantity"`
	Condition        string       `json:"condition"`
	Permalink        string       `json:"permalink"`
	Thumbnail        string       `json:"thumbnail"`
	Status           string       `json:"status"`
	ListingTypeID    string       `json:"listing_type_id"`
	Shipping         ItemShipping `json:"shipping"`
	Pictures         []Picture    `json:"pictures"`
	Attributes       []Attribute  `json:"attributes"`
}

// Picture is one listing image.
type Picture struct {
	URL       string `json:"url"`
	SecureURL string `json:"secure_url"`
}

// FetchItem retrieves a single listing detail.
func (c *Client) FetchItem(ctx context.Context, itemID, token string) (*Item, error) {
	var item Item
	u := fmt.Sprintf("%s/items/%s", c.baseURL, url.PathEscape(itemID))
	if err := c.getJSON(ctx, u, token, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// MultigetResult wraps one entry of a multi-get response.
type MultigetResult struct {
	Code int  `json:"code"`
	Body Item `json:"body"`
}

// FetchItems batch-fetches listing details (multi-get).
func (c *Client) FetchItems(ctx context.Context, itemIDs []string, token string) ([]Item, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}

	u := fmt.Sprintf("%s/items?ids=%s", c.baseURL, url.QueryEscape(strings.Join(itemIDs, ",")))
	var results []MultigetResult
	if err := c.getJSON(ctx, u, token, &results); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(results))
	for _, r := range results {
		if r.Code == http.StatusOK && r.Body.ID != "" {
			items = append(items, r.Body)
		}
	}
	return items, nil
}

// ItemDescription is the free-text description of a listing.
type ItemDescription struct {
	PlainText string `json:"plain_text"`
}

// FetchDescription retrieves the listing description.
func (c *Client) FetchDescription(ctx context.Context, itemID, token string) (*ItemDescription, error) {
	var desc ItemDescription
	u := fmt.Sprintf("%s/items/%s/description", c.baseURL, url.PathEscape(itemID))
	if err := c.getJSON(ctx, u, token, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// BuyBoxWinner is the offer the marketplace currently promotes for a
// catalog product.
type BuyBoxWinner struct {
	ItemID   string  `json:"item_id"`
	Price    float64 `json:"price"`
	SellerID int64   `json:"seller_id"`
}

// PriceRange is the min/max of buy box offers seen for a catalog product.
type PriceRange struct {
	MinPrice float64 `json:"min_price"`
	MaxPrice float64 `json:"max_price"`
}

// CatalogVariation is one variation entry of a catalog product.
type CatalogVariation struct {
	ItemID string `json:"item_id"`
}

// CatalogProduct is a marketplace-curated product grouping listings
// from multiple sellers.
type CatalogProduct struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Status           string             `json:"status"`
	CategoryID       string             `json:"category_id"`
	Permalink        string             `json:"permalink"`
	BuyBoxWinner     *BuyBoxWinner      `json:"buy_box_winner"`
	BuyBoxPriceRange *PriceRange        `json:"buy_box_price_range"`
	Items            json.RawMessage    `json:"items"`
	Variations       []CatalogVariation `json:"variations"`
	ChildrenIDs      []string           `json:"children_ids"`
	Pictures         []Picture          `json:"pictures"`
	Attributes       []Attribute        `json:"attributes"`
}

// ItemCandidates extracts listing identifiers from the catalog payload
// in buy-box-first priority order. The upstream `items` array is
// inconsistently either plain strings or objects with an item_id.
func (p *CatalogProduct) ItemCandidates() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	if p.BuyBoxWinner != nil {
		add(p.BuyBoxWinner.ItemID)
	}

	if len(p.Items) > 0 {
		var asStrings []string
		if err := json.Unmarshal(p.Items, &asStrings); err == nil {
			for _, id := range asStrings {
				add(id)
			}
		} else {
			var asObjects []struct {
				ItemID string `json:"item_id"`
			}
			if err := json.Unmarshal(p.Items, &asObjects); err == nil {
				for _, o := range asObjects {
					add(o.ItemID)
				}
			}
		}
	}

	for _, v := range p.Variations {
		add(v.ItemID)
	}

	return out
}

// AttributeValue returns the value of the attribute with the given ID, or "".
func (p *CatalogProduct) AttributeValue(id string) string {
	for _, a := range p.Attributes {
		if a.ID == id {
			return a.ValueName
		}
	}
	return ""
}

// FetchCatalogProduct retrieves a catalog product and its raw payload.
func (c *Client) FetchCatalogProduct(ctx context.Context, productID, token string) (*CatalogProduct, json.RawMessage, error) {
	var raw json.RawMessage
	u := fmt.Sprintf("%s/products/%s", c.baseURL, url.PathEscape(productID))
	if err := c.getJSON(ctx, u, token, &raw); err != nil {
		return nil, nil, err
	}

	var product CatalogProduct
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog product: %w", err)
	}
	return &product, raw, nil
}

// FetchCatalogProductAlt retrieves a catalog product through the
// catalog_products endpoint family, which accepts bare numeric IDs the
// products endpoint rejects.
func (c *Client) FetchCatalogProductAlt(ctx context.Context, productID, token string) (*CatalogProduct, json.RawMessage, error) {
	var raw json.RawMessage
	u := fmt.Sprintf("%s/catalog_products/%s", c.baseURL, url.PathEscape(productID))
	if err := c.getJSON(ctx, u, token, &raw); err != nil {
		return nil, nil, err
	}

	var product CatalogProduct
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog product: %w", err)
	}
	return &product, raw, nil
}

// CatalogItemEntry is one listing published under a catalog product.
type CatalogItemEntry struct {
	ItemID   string  `json:"item_id"`
	Price    float64 `json:"price"`
	SellerID int64   `json:"seller_id"`
}

type catalogItemsResponse struct {
	Results []CatalogItemEntry `json:"results"`
}

// FetchCatalogItems lists the listings published under a catalog product.
func (c *Client) FetchCatalogItems(ctx context.Context, productID, token string) ([]CatalogItemEntry, error) {
	var resp catalogItemsResponse
	u := fmt.Sprintf("%s/products/%s/items", c.baseURL, url.PathEscape(productID))
	if err := c.getJSON(ctx, u, token, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type catalogSearchResponse struct {
	Results []CatalogProduct `json:"results"`
}

// SearchCatalogProducts runs a free-text search over catalog entries.
func (c *Client) SearchCatalogProducts(ctx context.Context, query, token string) ([]CatalogProduct, error) {
	var resp catalogSearchResponse
	u := fmt.Sprintf("%s/products/search?status=active&site_id=%s&q=%s",
		c.baseURL, url.QueryEscape(c.siteID), url.QueryEscape(query))
	if err := c.getJSON(ctx, u, token, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchResult is one listing returned by site search.
type SearchResult struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Price            float64 `json:"price"`
	CatalogProductID string  `json:"catalog_product_id"`
	CategoryID       string  `json:"category_id"`
	Seller           struct {
		ID int64 `json:"id"`
	} `json:"seller"`
}

// SearchResponse is the site search envelope.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchParams narrows a site search. Zero-value fields are omitted.
type SearchParams struct {
	Query            string
	ProductID        string
	CatalogProductID string
	CategoryID       string
	Limit            int
}

func (c *Client) searchURL(p SearchParams) string {
	q := url.Values{}
	if p.Query != "" {
		q.Set("q", p.Query)
	}
	if p.ProductID != "" {
		q.Set("product_id", p.ProductID)
	}
	if p.CatalogProductID != "" {
		q.Set("catalog_product_id", p.CatalogProductID)
	}
	if p.CategoryID != "" {
		q.Set("category", p.CategoryID)
	}
	if p.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", p.Limit))
	}
	return fmt.Sprintf("%s/sites/%s/search?%s", c.baseURL, url.PathEscape(c.siteID), q.Encode())
}

// Search runs an authenticated site search.
func (c *Client) Search(ctx context.Context, p SearchParams, token string) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.getJSON(ctx, c.searchURL(p), token, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchPublic runs an unauthenticated site search. Locally throttled
// since the anonymous quota is far smaller than the app quota.
func (c *Client) SearchPublic(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	if err := c.publicLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var resp SearchResponse
	if err := c.getJSON(ctx, c.searchURL(p), "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SellerReputation is the reputation block of a user profile.
type SellerReputation struct {
	LevelID      string `json:"level_id"`
	Transactions struct {
		Completed int64 `json:"completed"`
	} `json:"transactions"`
}

// User is a marketplace user profile.
type User struct {
	ID               int64            `json:"id"`
	Nickname         string           `json:"nickname"`
	SiteID           string           `json:"site_id"`
	SellerReputation SellerReputation `json:"seller_reputation"`
}

// FetchUser retrieves a user profile by ID.
func (c *Client) FetchUser(ctx context.Context, userID int64, token string) (*User, error) {
	var user User
	u := fmt.Sprintf("%s/users/%d", c.baseURL, userID)
	if err := c.getJSON(ctx, u, token, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// FetchMe retrieves the profile of the token's owner.
func (c *Client) FetchMe(ctx context.Context, token string) (*User, error) {
	var user User
	u := fmt.Sprintf("%s/users/me", c.baseURL)
	if err := c.getJSON(ctx, u, token, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ItemVisits is the aggregate visit count of one listing.
type ItemVisits struct {
	ItemID      string `json:"item_id"`
	TotalVisits int64  `json:"total_visits"`
}

// FetchItemVisits retrieves total visits for one listing over a window.
func (c *Client) FetchItemVisits(ctx context.Context, itemID string, from, to time.Time, token string) (*ItemVisits, error) {
	var visits ItemVisits
	u := fmt.Sprintf("%s/items/%s/visits?date_from=%s&date_to=%s",
		c.baseURL, url.PathEscape(itemID),
		url.QueryEscape(from.Format("2006-01-02")), url.QueryEscape(to.Format("2006-01-02")))
	if err := c.getJSON(ctx, u, token, &visits); err != nil {
		return nil, err
	}
	if visits.ItemID == "" {
		visits.ItemID = itemID
	}
	return &visits, nil
}

// FetchItemsVisits batch-fetches aggregate visit counts.
func (c *Client) FetchItemsVisits(ctx context.Context, itemIDs []string, from, to time.Time, token string) (map[string]int64, error) {
	if len(itemIDs) == 0 {
		return map[string]int64{}, nil
	}

	u := fmt.Sprintf("%s/items/visits?ids=%s&date_from=%s&date_to=%s",
		c.baseURL, url.QueryEscape(strings.Join(itemIDs, ",")),
		url.QueryEscape(from.Format("2006-01-02")), url.QueryEscape(to.Format("2006-01-02")))

	var results []ItemVisits
	if err := c.getJSON(ctx, u, token, &results); err != nil {
		return nil, err
	}

	visits := make(map[string]int64, len(results))
	for _, v := range results {
		visits[v.ItemID] = v.TotalVisits
	}
	return visits, nil
}

// VisitsWindow is the day-by-day visits series of a listing. Requires
// an actor token; the app token gets a 403 here.
type VisitsWindow struct {
	Results []struct {
		Date  string `json:"date"`
		Total int64  `json:"total"`
	} `json:"results"`
}

// FetchVisitsWindow retrieves the per-day visit series for the last n days.
func (c *Client) FetchVisitsWindow(ctx context.Context, itemID string, lastDays int, token string) (*VisitsWindow, error) {
	var window VisitsWindow
	u := fmt.Sprintf("%s/items/%s/visits/time_window?last=%d&unit=day",
		c.baseURL, url.PathEscape(itemID), lastDays)
	if err := c.getJSON(ctx, u, token, &window); err != nil {
		return nil, err
	}
	return &window, nil
}

// ProductReview is one review entry under a catalog product.
type ProductReview struct {
	ItemID string `json:"item_id"`
}

type productReviewsResponse struct {
	Reviews []ProductReview `json:"reviews"`
}

// FetchProductReviews lists reviews under a catalog product. Used as a
// secondary source of sibling listing identifiers.
func (c *Client) FetchProductReviews(ctx context.Context, productID, token string) ([]ProductReview, error) {
	var resp productReviewsResponse
	u := fmt.Sprintf("%s/reviews/product/%s", c.baseURL, url.PathEscape(productID))
	if err := c.getJSON(ctx, u, token, &resp); err != nil {
		return nil, err
	}
	return resp.Reviews, nil
}
