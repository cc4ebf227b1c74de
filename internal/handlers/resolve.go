package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/internal/services"
)

// ResolveHandler serves the product resolution endpoint.
type ResolveHandler struct {
	resolver *services.Resolver
	logs     *services.ResolutionLogService
}

// NewResolveHandler creates a ResolveHandler. logs may be nil.
func NewResolveHandler(resolver *services.Resolver, logs *services.ResolutionLogService) *ResolveHandler {
	return &ResolveHandler{resolver: resolver, logs: logs}
}

type resolveRequest struct {
	ProductID string `json:"productId"`
	StudentID string `json:"studentId"`
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: message})
}

// Resolve handles product resolution requests.
// POST /api/v1/products/resolve
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body")
		return
	}
	if req.ProductID == "" {
		writeError(w, "productId is required")
		return
	}

	// The dashboard usually sends studentId explicitly; fall back to the
	// session subject when it doesn't.
	if req.StudentID == "" {
		if studentID, ok := GetStudentIDFromContext(r.Context()); ok {
			req.StudentID = studentID
		}
	}

	start := time.Now()
	product, err := h.resolver.Resolve(r.Context(), req.ProductID, req.StudentID)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn().Err(err).Str("product_id", req.ProductID).Dur("elapsed", elapsed).Msg("Resolution failed")
		h.record(models.ResolutionRecord{
			ProductID:  req.ProductID,
			StudentID:  req.StudentID,
			DurationMs: elapsed.Milliseconds(),
			Error:      err.Error(),
		})
		writeError(w, err.Error())
		return
	}

	h.record(models.ResolutionRecord{
		ProductID:      product.ProductID,
		ResolvedItemID: product.ResolvedItemID,
		CatalogID:      product.CatalogProductID,
		Source:         product.Source,
		Approximate:    product.Approximate,
		VisitsSource:   product.VisitsSource,
		StudentID:      req.StudentID,
		DurationMs:     elapsed.Milliseconds(),
	})

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: product})
}

// record writes the audit row asynchronously so the response is never
// blocked on the database.
func (h *ResolveHandler) record(rec models.ResolutionRecord) {
	if h.logs == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in resolution log write")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.logs.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Str("product_id", rec.ProductID).Msg("Failed to record resolution")
		}
	}()
}

// Recent returns the newest resolution audit rows.
// GET /api/v1/resolutions/recent?limit=50
func (h *ResolveHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeJSON(w, http.StatusOK, []models.ResolutionRecord{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.logs.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
