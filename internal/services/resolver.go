package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

// Resolver turns an arbitrary product identifier into a ResolvedProduct.
type Resolver struct {
	api         *meliapi.Client
	appTokens   *AppTokenProvider
	actorTokens *ActorTokenProvider

	competitorCap   int
	sellerFanoutCap int
	maxConcurrent   int
}

// NewResolver creates a Resolver. actorTokens may be nil, in which case
// every call runs with application-level privileges only.
func NewResolver(api *meliapi.Client, appTokens *AppTokenProvider, actorTokens *ActorTokenProvider,
	competitorCap, sellerFanoutCap, maxConcurrent int) *Resolver {
	if competitorCap <= 0 {
		competitorCap = 20
	}
	if sellerFanoutCap <= 0 {
		sellerFanoutCap = 15
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Resolver{
		api:             api,
		appTokens:       appTokens,
		actorTokens:     actorTokens,
		competitorCap:   competitorCap,
		sellerFanoutCap: sellerFanoutCap,
		maxConcurrent:   maxConcurrent,
	}
}

// resolution is the outcome of one successful strategy attempt.
type resolution struct {
	item        *meliapi.Item // nil only for an approximate placeholder
	catalog     *meliapi.CatalogProduct
	catalogRaw  json.RawMessage
	catalogID   string
	source      string
	approximate bool
	price       float64 // placeholder price when approximate
}

// resolveSession carries the per-request tokens through the cascade.
type resolveSession struct {
	r          *Resolver
	appToken   string
	actorToken string
}

// bestToken prefers the actor token where one is available; several
// search endpoints return more with user-level authorization.
func (s *resolveSession) bestToken() string {
	if s.actorToken != "" {
		return s.actorToken
	}
	return s.appToken
}

// strategy is one tier of the resolution cascade. attempt returns
// (nil, nil) on a clean miss; errors are recorded for diagnostics and
// the cascade moves on either way.
type strategy struct {
	name    string
	attempt func(ctx context.Context, id string) (*resolution, error)
}

// Resolve normalizes the identifier, walks the strategy cascade until a
// listing detail fetch succeeds, then enriches and assembles the
// result. studentID is optional; without it (or when the actor token is
// unavailable) the call proceeds on application privileges alone.
func (r *Resolver) Resolve(ctx context.Context, rawID, studentID string) (*models.ResolvedProduct, error) {
	normalized, err := NormalizeProductID(rawID, r.api.SiteID())
	if err != nil {
		return nil, err
	}

	appToken, err := r.appTokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	s := &resolveSession{r: r, appToken: appToken}
	if r.actorTokens != nil && studentID != "" {
		token, ok, err := r.actorTokens.Token(ctx, studentID)
		if err != nil {
			log.Warn().Err(err).Str("student_id", studentID).Msg("Proceeding without actor privileges")
		} else if ok {
			s.actorToken = token
		}
	}

	strategies := []strategy{
		{"direct_item", s.directItem},
		{"catalog_product", s.catalogProduct},
		{"numeric_retry", s.numericRetry},
		{"catalog_search", s.universalCatalogSearch},
		{"catalog_items", s.catalogItems},
		{"global_search", s.globalSearch},
	}

	var (
		res          *resolution
		lastStatus   int
		lastStrategy string
	)
	for _, st := range strategies {
		out, err := st.attempt(ctx, normalized)
		if err != nil {
			lastStrategy = st.name
			if status := meliapi.StatusOf(err); status != 0 {
				lastStatus = status
			}
			log.Debug().Err(err).Str("strategy", st.name).Str("id", normalized).Msg("Resolution strategy missed")
			continue
		}
		if out != nil {
			res = out
			log.Info().Str("strategy", st.name).Str("id", normalized).Str("source", out.source).
				Bool("approximate", out.approximate).Msg("Product resolved")
			break
		}
		lastStrategy = st.name
	}

	if res == nil {
		return nil, &NotFoundError{
			ProductID:    rawID,
			AttemptedID:  normalized,
			LastStrategy: lastStrategy,
			LastStatus:   lastStatus,
		}
	}

	return s.assemble(ctx, rawID, res), nil
}

// directItem treats the identifier as a listing identifier.
func (s *resolveSession) directItem(ctx context.Context, id string) (*resolution, error) {
	item, err := s.r.api.FetchItem(ctx, id, s.appToken)
	if err != nil {
		return nil, err
	}
	return &resolution{
		item:      item,
		catalogID: item.CatalogProductID,
		source:    models.SourceItem,
	}, nil
}

// catalogProduct treats the identifier as a catalog-level product.
func (s *resolveSession) catalogProduct(ctx context.Context, id string) (*resolution, error) {
	product, raw, err := s.r.api.FetchCatalogProduct(ctx, id, s.appToken)
	if err != nil {
		return nil, err
	}
	return s.resolveCatalog(ctx, product, raw)
}

// numericRetry strips a known site prefix and retries both catalog
// endpoint families with the bare number. Upstream accepts prefixed and
// bare identifiers inconsistently across endpoint families.
func (s *resolveSession) numericRetry(ctx context.Context, id string) (*resolution, error) {
	bare, hadPrefix := numericPart(id)
	if !hadPrefix || bare == id {
		return nil, nil
	}

	var lastErr error
	if product, raw, err := s.r.api.FetchCatalogProduct(ctx, bare, s.appToken); err == nil {
		if res, rerr := s.resolveCatalog(ctx, product, raw); res != nil || rerr != nil {
			return res, rerr
		}
	} else {
		lastErr = err
	}

	if product, raw, err := s.r.api.FetchCatalogProductAlt(ctx, bare, s.appToken); err == nil {
		return s.resolveCatalog(ctx, product, raw)
	} else if lastErr == nil {
		lastErr = err
	}

	return nil, lastErr
}

// universalCatalogSearch free-text searches catalog entries with the
// numeric identifier and recurses into candidate extraction.
func (s *resolveSession) universalCatalogSearch(ctx context.Context, id string) (*resolution, error) {
	bare, _ := numericPart(id)
	products, err := s.r.api.SearchCatalogProducts(ctx, bare, s.appToken)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}

	// Search hits are partial payloads; refetch the full entry when possible.
	found := products[0]
	if full, raw, err := s.r.api.FetchCatalogProduct(ctx, found.ID, s.appToken); err == nil {
		return s.resolveCatalog(ctx, full, raw)
	}
	return s.resolveCatalog(ctx, &found, nil)
}

// catalogItems uses the dedicated listings-under-product endpoint.
func (s *resolveSession) catalogItems(ctx context.Context, id string) (*resolution, error) {
	entries, err := s.r.api.FetchCatalogItems(ctx, id, s.appToken)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	item, err := s.r.api.FetchItem(ctx, entries[0].ItemID, s.appToken)
	if err != nil {
		return nil, err
	}
	return &resolution{
		item:      item,
		catalogID: id,
		source:    models.SourceCatalog,
	}, nil
}

// globalSearch is the last resort: marketplace search by product_id.
func (s *resolveSession) globalSearch(ctx context.Context, id string) (*resolution, error) {
	resp, err := s.r.api.Search(ctx, meliapi.SearchParams{ProductID: id, Limit: 1}, s.appToken)
	if err != nil {
		resp, err = s.r.api.SearchPublic(ctx, meliapi.SearchParams{ProductID: id, Limit: 1})
		if err != nil {
			return nil, err
		}
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	item, err := s.r.api.FetchItem(ctx, resp.Results[0].ID, s.appToken)
	if err != nil {
		return nil, err
	}
	return &resolution{
		item:      item,
		catalogID: item.CatalogProductID,
		source:    models.SourceSearch,
	}, nil
}

// resolveCatalog walks a catalog payload's listing candidates in
// priority order, then search fallbacks, then the synthesized
// placeholder. Returns (nil, nil) when nothing at all can be derived.
func (s *resolveSession) resolveCatalog(ctx context.Context, cat *meliapi.CatalogProduct, raw json.RawMessage) (*resolution, error) {
	if cat == nil || cat.ID == "" {
		return nil, nil
	}

	for _, candidate := range cat.ItemCandidates() {
		item, err := s.r.api.FetchItem(ctx, candidate, s.appToken)
		if err != nil {
			continue
		}
		return s.catalogResolution(item, cat, raw, models.SourceCatalog), nil
	}

	// Parent grouping: fall back to the first child's winning offer.
	if len(cat.ChildrenIDs) > 0 {
		child, _, err := s.r.api.FetchCatalogProduct(ctx, cat.ChildrenIDs[0], s.appToken)
		if err == nil && child.BuyBoxWinner != nil && child.BuyBoxWinner.ItemID != "" {
			if item, err := s.r.api.FetchItem(ctx, child.BuyBoxWinner.ItemID, s.appToken); err == nil {
				return s.catalogResolution(item, cat, raw, models.SourceCatalog), nil
			}
		}
	}

	// Catalog-scoped listing search.
	if resp, err := s.r.api.Search(ctx, meliapi.SearchParams{CatalogProductID: cat.ID, Limit: 1}, s.bestToken()); err == nil && len(resp.Results) > 0 {
		if item, err := s.r.api.FetchItem(ctx, resp.Results[0].ID, s.appToken); err == nil {
			return s.catalogResolution(item, cat, raw, models.SourceCatalog), nil
		}
	}

	if res := s.keywordResolve(ctx, cat, raw); res != nil {
		return res, nil
	}

	// Degrade gracefully: a known catalog entry with a derivable price
	// range still yields a placeholder instead of a hard failure.
	if pr := cat.BuyBoxPriceRange; pr != nil && pr.MaxPrice > 0 {
		return &resolution{
			catalog:     cat,
			catalogRaw:  raw,
			catalogID:   cat.ID,
			source:      models.SourceCatalog,
			approximate: true,
			price:       (pr.MinPrice + pr.MaxPrice) / 2,
		}, nil
	}

	return nil, nil
}

// keywordResolve searches by brand+model attributes, then by title,
// preferring hits whose catalog reference matches exactly and accepting
// the first title hit as a best-effort substitute.
func (s *resolveSession) keywordResolve(ctx context.Context, cat *meliapi.CatalogProduct, raw json.RawMessage) *resolution {
	brandModel := strings.TrimSpace(cat.AttributeValue("BRAND") + " " + cat.AttributeValue("MODEL"))
	if query := keywordQuery(brandModel, 4); query != "" {
		if res := s.searchMatchingCatalog(ctx, query, cat, raw, false); res != nil {
			return res
		}
	}

	title := keywordQuery(cat.Name, 4)
	if title == "" {
		return nil
	}
	return s.searchMatchingCatalog(ctx, title, cat, raw, true)
}

// searchMatchingCatalog runs a keyword search and returns the first hit
// whose catalog reference equals cat.ID. With acceptFirst, a hit with
// no exact match falls back to the very first result, tagged as a
// search-sourced substitute.
func (s *resolveSession) searchMatchingCatalog(ctx context.Context, query string, cat *meliapi.CatalogProduct, raw json.RawMessage, acceptFirst bool) *resolution {
	resp, err := s.r.api.Search(ctx, meliapi.SearchParams{Query: query, Limit: 20}, s.bestToken())
	if err != nil || len(resp.Results) == 0 {
		resp, err = s.r.api.SearchPublic(ctx, meliapi.SearchParams{Query: query, Limit: 20})
		if err != nil {
			return nil
		}
	}

	for _, result := range resp.Results {
		if result.CatalogProductID != cat.ID {
			continue
		}
		if item, err := s.r.api.FetchItem(ctx, result.ID, s.appToken); err == nil {
			return s.catalogResolution(item, cat, raw, models.SourceCatalog)
		}
	}

	if acceptFirst && len(resp.Results) > 0 {
		if item, err := s.r.api.FetchItem(ctx, resp.Results[0].ID, s.appToken); err == nil {
			return s.catalogResolution(item, cat, raw, models.SourceSearch)
		}
	}
	return nil
}

func (s *resolveSession) catalogResolution(item *meliapi.Item, cat *meliapi.CatalogProduct, raw json.RawMessage, source string) *resolution {
	return &resolution{
		item:       item,
		catalog:    cat,
		catalogRaw: raw,
		catalogID:  cat.ID,
		source:     source,
	}
}

// assemble builds the final payload, fanning out to the optional
// enrichment fetches. Enrichment failures degrade fields, never the call.
func (s *resolveSession) assemble(ctx context.Context, rawID string, res *resolution) *models.ResolvedProduct {
	if res.approximate {
		return s.assemblePlaceholder(rawID, res)
	}

	item := res.item
	catalogID := res.catalogID
	if catalogID == "" {
		catalogID = item.CatalogProductID
	}

	product := &models.ResolvedProduct{
		ProductID:        rawID,
		ResolvedItemID:   item.ID,
		CatalogProductID: catalogID,
		Title:            item.Title,
		Price:            item.Price,
		Brand:            attributeValue(item.Attributes, "BRAND"),
		CategoryID:       item.CategoryID,
		SoldQuantity:     item.SoldQuantity,
		AvailableQty:     item.AvailableQty,
		Condition:        item.Condition,
		Permalink:        item.Permalink,
		Thumbnail:        item.Thumbnail,
		Images:           pictureURLs(item.Pictures),
		CatalogData:      res.catalogRaw,
		Source:           res.source,
	}

	product.Description = s.description(ctx, item.ID)
	product.Seller = s.sellerSummary(ctx, item.SellerID)
	product.Competitors = s.competitors(ctx, item, catalogID)

	daily, monthly, visitsSource := s.visitStats(ctx, item, product.Competitors)
	product.DailyVisits = round2(daily)
	product.MonthlyVisits = round2(monthly)
	product.VisitsSource = visitsSource
	product.ConversionRate = conversionRate(item.SoldQuantity, monthly)

	// When a competitor set exists, the buy box price is the price a
	// student actually has to beat.
	if len(product.Competitors) > 0 && res.catalog != nil &&
		res.catalog.BuyBoxWinner != nil && res.catalog.BuyBoxWinner.Price > 0 {
		product.Price = res.catalog.BuyBoxWinner.Price
	}

	return product
}

// assemblePlaceholder synthesizes a result from the catalog payload
// alone: zero quantities, midpoint price, no resolved listing.
func (s *resolveSession) assemblePlaceholder(rawID string, res *resolution) *models.ResolvedProduct {
	cat := res.catalog
	return &models.ResolvedProduct{
		ProductID:        rawID,
		CatalogProductID: cat.ID,
		Title:            cat.Name,
		Price:            res.price,
		Description:      noDescription,
		Brand:            cat.AttributeValue("BRAND"),
		CategoryID:       cat.CategoryID,
		Permalink:        cat.Permalink,
		Thumbnail:        firstPictureURL(cat.Pictures),
		Images:           pictureURLs(cat.Pictures),
		Seller:           models.SellerSummary{ReputationTier: reputationUnknown},
		Competitors:      []models.CompetitorInfo{},
		CatalogData:      res.catalogRaw,
		Source:           res.source,
		Approximate:      true,
	}
}

func attributeValue(attrs []meliapi.Attribute, id string) string {
	for _, a := range attrs {
		if a.ID == id {
			return a.ValueName
		}
	}
	return ""
}

func pictureURLs(pictures []meliapi.Picture) []string {
	urls := make([]string, 0, len(pictures))
	for _, p := range pictures {
		if p.SecureURL != "" {
			urls = append(urls, p.SecureURL)
		} else if p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

func firstPictureURL(pictures []meliapi.Picture) string {
	urls := pictureURLs(pictures)
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

