package services

import (
	"context"
	"fmt"

	"github.com/sellerhub/meli-insights/internal/models"
	"github.com/sellerhub/meli-insights/pkg/database"
)

// ResolutionLogService records the audit trail of resolve calls.
type ResolutionLogService struct {
	db *database.DB
}

// NewResolutionLogService creates a ResolutionLogService.
func NewResolutionLogService(db *database.DB) *ResolutionLogService {
	return &ResolutionLogService{db: db}
}

// Record inserts one audit row.
func (s *ResolutionLogService) Record(ctx context.Context, rec models.ResolutionRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO resolution_log (product_id, resolved_item_id, catalog_id, source, approximate,
			visits_source, student_id, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ProductID, rec.ResolvedItemID, rec.CatalogID, rec.Source, rec.Approximate,
		rec.VisitsSource, rec.StudentID, rec.DurationMs, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// Recent returns the newest audit rows, newest first.
func (s *ResolutionLogService) Recent(ctx context.Context, limit int) ([]models.ResolutionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, product_id, resolved_item_id, catalog_id, source, approximate,
			visits_source, student_id, duration_ms, error, created_at
		FROM resolution_log
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolution log: %w", err)
	}
	defer rows.Close()

	records := make([]models.ResolutionRecord, 0, limit)
	for rows.Next() {
		var r models.ResolutionRecord
		if err := rows.Scan(
			&r.ID, &r.ProductID, &r.ResolvedItemID, &r.CatalogID, &r.Source, &r.Approximate,
			&r.VisitsSource, &r.StudentID, &r.DurationMs, &r.Error, &r.CreatedAt,
		); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}
