package services

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

const (
	noDescription     = "No description available"
	reputationUnknown = "unknown"
)

// Assumed conversion rates (%) per category for the last-resort visit
// estimate. Rough mentoring heuristics, not marketplace data.
var categoryConversionRates = map[string]float64{
	"MLB1051": 2.5, // phones
	"MLB1648": 2.0, // computing
	"MLB1000": 1.8, // electronics
	"MLB1430": 1.2, // apparel
	"MLB1574": 1.0, // home
}

const defaultConversionRate = 1.5

// description fetches the listing description, degrading to the
// sentinel on any failure.
func (s *resolveSession) description(ctx context.Context, itemID string) string {
	desc, err := s.r.api.FetchDescription(ctx, itemID, s.appToken)
	if err != nil || desc.PlainText == "" {
		if err != nil {
			log.Debug().Err(err).Str("item_id", itemID).Msg("Description fetch failed, using default")
		}
		return noDescription
	}
	return desc.PlainText
}

// sellerSummary fetches the seller profile, degrading to unknown
// reputation and zero sales.
func (s *resolveSession) sellerSummary(ctx context.Context, sellerID int64) models.SellerSummary {
	summary := models.SellerSummary{ID: sellerID, ReputationTier: reputationUnknown}
	if sellerID == 0 {
		return summary
	}

	user, err := s.r.api.FetchUser(ctx, sellerID, s.appToken)
	if err != nil {
		log.Debug().Err(err).Int64("seller_id", sellerID).Msg("Seller fetch failed, using defaults")
		return summary
	}

	summary.Nickname = user.Nickname
	if user.SellerReputation.LevelID != "" {
		summary.ReputationTier = user.SellerReputation.LevelID
	}
	summary.CompletedSales = user.SellerReputation.Transactions.Completed
	return summary
}

// competitors discovers rival listings and assembles CompetitorInfo
// records. Any failure returns an empty set, never an error.
func (s *resolveSession) competitors(ctx context.Context, item *meliapi.Item, catalogID string) []models.CompetitorInfo {
	ids := s.competitorCandidates(ctx, item, catalogID)
	if len(ids) == 0 {
		return []models.CompetitorInfo{}
	}

	items, err := s.r.api.FetchItems(ctx, ids, s.appToken)
	if err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("Competitor multi-get failed")
		return []models.CompetitorInfo{}
	}

	now := time.Now()
	visits, err := s.r.api.FetchItemsVisits(ctx, ids, now.AddDate(-2, 0, 0), now, s.appToken)
	if err != nil {
		log.Debug().Err(err).Msg("Competitor visits multi-get failed")
		visits = map[string]int64{}
	}

	reputations := s.sellerReputations(ctx, items)

	competitors := make([]models.CompetitorInfo, 0, len(items))
	for _, it := range items {
		competitors = append(competitors, models.CompetitorInfo{
			ItemID:           it.ID,
			SellerID:         it.SellerID,
			Price:            it.Price,
			AvailableQty:     it.AvailableQty,
			SoldQuantity:     it.SoldQuantity,
			ListingTypeID:    it.ListingTypeID,
			ShippingMode:     it.Shipping.Mode,
			LogisticType:     it.Shipping.LogisticType,
			FreeShipping:     it.Shipping.FreeShipping,
			TotalVisits:      visits[it.ID],
			SellerReputation: reputations[it.SellerID],
			IsBuyBoxWinner:   it.ID == item.ID,
		})
	}
	return competitors
}

// competitorCandidates yields rival listing IDs, capped. With a catalog
// reference: catalog listings, then review-derived IDs, then a public
// keyword search. Without one: keyword+category search excluding the
// resolved listing.
func (s *resolveSession) competitorCandidates(ctx context.Context, item *meliapi.Item, catalogID string) []string {
	limit := s.r.competitorCap
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] && len(ids) < limit {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if catalogID != "" {
		if entries, err := s.r.api.FetchCatalogItems(ctx, catalogID, s.bestToken()); err == nil {
			for _, e := range entries {
				add(e.ItemID)
			}
		}

		if len(ids) == 0 {
			if reviews, err := s.r.api.FetchProductReviews(ctx, catalogID, s.appToken); err == nil {
				for _, rv := range reviews {
					add(rv.ItemID)
				}
			}
		}

		if len(ids) == 0 {
			query := keywordQuery(item.Title, 4)
			if resp, err := s.r.api.SearchPublic(ctx, meliapi.SearchParams{Query: query, Limit: limit}); err == nil {
				for _, result := range resp.Results {
					add(result.ID)
				}
			}
		}
		return ids
	}

	// No catalog reference: similar listings by keyword and category.
	params := meliapi.SearchParams{
		Query:      keywordQuery(item.Title, 4),
		CategoryID: item.CategoryID,
		Limit:      limit,
	}
	resp, err := s.r.api.Search(ctx, params, s.bestToken())
	if err != nil {
		resp, err = s.r.api.SearchPublic(ctx, params)
		if err != nil {
			return ids
		}
	}
	for _, result := range resp.Results {
		if result.ID == item.ID {
			continue
		}
		add(result.ID)
	}
	return ids
}

// sellerReputations fetches reputation tiers for competitor sellers,
// capped and with bounded concurrency. The bound limits total upstream
// calls, not correctness.
func (s *resolveSession) sellerReputations(ctx context.Context, items []meliapi.Item) map[int64]string {
	var sellerIDs []int64
	seen := make(map[int64]bool)
	for _, it := range items {
		if it.SellerID == 0 || seen[it.SellerID] {
			continue
		}
		seen[it.SellerID] = true
		sellerIDs = append(sellerIDs, it.SellerID)
		if len(sellerIDs) >= s.r.sellerFanoutCap {
			break
		}
	}

	reputations := make(map[int64]string, len(sellerIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.r.maxConcurrent)

	for _, sellerID := range sellerIDs {
		wg.Add(1)
		sem <- struct{}{}

		go func(sellerID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			user, err := s.r.api.FetchUser(ctx, sellerID, s.appToken)
			if err != nil {
				return
			}
			mu.Lock()
			reputations[sellerID] = user.SellerReputation.LevelID
			mu.Unlock()
		}(sellerID)
	}
	wg.Wait()

	return reputations
}

// visitStats estimates daily/monthly visits through a 4-tier fallback:
// 2-year public aggregate, actor-token 30-day window, winning
// competitor's aggregate, then a sold-quantity heuristic. The tier used
// is returned for diagnostics.
func (s *resolveSession) visitStats(ctx context.Context, item *meliapi.Item, competitors []models.CompetitorInfo) (float64, float64, string) {
	now := time.Now()

	if v, err := s.r.api.FetchItemVisits(ctx, item.ID, now.AddDate(-2, 0, 0), now, s.appToken); err == nil && v.TotalVisits > 0 {
		return float64(v.TotalVisits) / 730, float64(v.TotalVisits) / 24, "aggregate_2y"
	}

	if s.actorToken != "" {
		if w, err := s.r.api.FetchVisitsWindow(ctx, item.ID, 30, s.actorToken); err == nil {
			var sum int64
			for _, day := range w.Results {
				sum += day.Total
			}
			if sum > 0 {
				return float64(sum) / 30, float64(sum), "time_window_30d"
			}
		}
	}

	for _, c := range competitors {
		if c.IsBuyBoxWinner && c.TotalVisits > 0 {
			return float64(c.TotalVisits) / 730, float64(c.TotalVisits) / 24, "competitor_aggregate"
		}
	}

	// Last resort: back out visits from sales and an assumed per-category
	// conversion rate, spread over an assumed year of listing life.
	rate, ok := categoryConversionRates[item.CategoryID]
	if !ok {
		rate = defaultConversionRate
	}
	estimatedTotal := float64(item.SoldQuantity) / (rate / 100)
	monthly := estimatedTotal / 12
	return monthly / 30, monthly, "heuristic"
}

// conversionRate is sold quantity over monthly visits as a percentage,
// two decimals, 0 when visits are 0.
func conversionRate(sold int64, monthlyVisits float64) float64 {
	if monthlyVisits <= 0 {
		return 0
	}
	return round2(float64(sold) / monthlyVisits * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
