package models

import (
	"encoding/json"
	"time"
)

// Resolution source tags. A synthesized catalog placeholder keeps the
// "catalog" tag but is additionally marked Approximate.
const (
	SourceItem    = "item"
	SourceCatalog = "catalog"
	SourceSearch  = "search"
)

// ResolvedProduct is the denormalized insight payload returned for a
// single resolve call. ResolvedItemID always refers to a listing whose
// detail fetch succeeded at resolution time; nothing is persisted, so
// it may go stale afterwards.
type ResolvedProduct struct {
	ProductID        string           `json:"product_id"`
	ResolvedItemID   string           `json:"resolved_item_id"`
	CatalogProductID string           `json:"catalog_product_id,omitempty"`
	Title            string           `json:"title"`
	Price            float64          `json:"price"`
	Description      string           `json:"description"`
	Brand            string           `json:"brand,omitempty"`
	CategoryID       string           `json:"category_id"`
	SoldQuantity     int64            `json:"sold_quantity"`
	AvailableQty     int64            `json:"available_quantity"`
	Condition        string           `json:"condition"`
	Permalink        string           `json:"permalink"`
	Thumbnail        string           `json:"thumbnail"`
	Images           []string         `json:"images,omitempty"`
	DailyVisits      float64          `json:"daily_visits"`
	MonthlyVisits    float64          `json:"monthly_visits"`
	ConversionRate   float64          `json:"conversion_rate"`
	Seller           SellerSummary    `json:"seller"`
	Competitors      []CompetitorInfo `json:"competitors"`
	CatalogData      json.RawMessage  `json:"catalog_data,omitempty"`
	Source           string           `json:"source"`
	Approximate      bool             `json:"approximate"`
	VisitsSource     string           `json:"visits_source,omitempty"`
}

// SellerSummary is the reputation snapshot of the resolved listing's seller.
type SellerSummary struct {
	ID             int64  `json:"id"`
	Nickname       string `json:"nickname,omitempty"`
	ReputationTier string `json:"reputation_tier"`
	CompletedSales int64  `json:"completed_sales"`
}

// CompetitorInfo is one rival listing for the same catalog product.
// Recomputed on every request, never persisted.
type CompetitorInfo struct {
	ItemID           string  `json:"item_id"`
	SellerID         int64   `json:"seller_id"`
	Price            float64 `json:"price"`
	AvailableQty     int64   `json:"available_quantity"`
	SoldQuantity     int64   `json:"sold_quantity"`
	ListingTypeID    string  `json:"listing_type_id,omitempty"`
	ShippingMode     string  `json:"shipping_mode,omitempty"`
	LogisticType     string  `json:"logistic_type,omitempty"`
	FreeShipping     bool    `json:"free_shipping"`
	TotalVisits      int64   `json:"total_visits"`
	SellerReputation string  `json:"seller_reputation"`
	IsBuyBoxWinner   bool    `json:"is_buy_box_winner"`
}

// MeliAccount is a student's linked Mercado Livre seller account.
// The refresh token is stored encrypted (pkg/crypto).
type MeliAccount struct {
	ID              string    `json:"id" db:"id"`
	StudentID       string    `json:"student_id" db:"student_id"`
	MeliUserID      int64     `json:"meli_user_id" db:"meli_user_id"`
	Nickname        string    `json:"nickname" db:"nickname"`
	AccessToken     string    `json:"-" db:"access_token"`
	RefreshTokenEnc string    `json:"-" db:"refresh_token_enc"`
	TokenExpiresAt  time.Time `json:"token_expires_at" db:"token_expires_at"`
	SiteID          string    `json:"site_id" db:"site_id"`
	IsPrimary       bool      `json:"is_primary" db:"is_primary"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	SyncStatus      string    `json:"sync_status" db:"sync_status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Account sync statuses.
const (
	SyncStatusOK              = "ok"
	SyncStatusReconnectNeeded = "reconnect_needed"
)

// ResolutionRecord is one row of the resolve audit trail.
type ResolutionRecord struct {
	ID             int64     `json:"id" db:"id"`
	ProductID      string    `json:"product_id" db:"product_id"`
	ResolvedItemID string    `json:"resolved_item_id" db:"resolved_item_id"`
	CatalogID      string    `json:"catalog_id,omitempty" db:"catalog_id"`
	Source         string    `json:"source" db:"source"`
	Approximate    bool      `json:"approximate" db:"approximate"`
	VisitsSource   string    `json:"visits_source,omitempty" db:"visits_source"`
	StudentID      string    `json:"student_id,omitempty" db:"student_id"`
	DurationMs     int64     `json:"duration_ms" db:"duration_ms"`
	Error          string    `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
