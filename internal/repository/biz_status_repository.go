package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// BizStatusRepository holds the approval status projected onto business
// records, one row per entity.
type BizStatusRepository struct {
	db *database.DB
}

// NewBizStatusRepository creates a new BizStatusRepository.
func NewBizStatusRepository(db *database.DB) *BizStatusRepository {
	return &BizStatusRepository{db: db}
}

// Upsert writes the current projection for an entity.
func (r *BizStatusRepository) Upsert(ctx context.Context, s *BizStatus) error {
	query := `
		INSERT INTO biz_statuses
		    (biz_type, biz_id, instance_id, step, outcome, label, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (biz_type, biz_id) DO UPDATE SET
		    instance_id = excluded.instance_id,
		    step        = excluded.step,
		    outcome     = excluded.outcome,
		    label       = excluded.label,
		    updated_at  = excluded.updated_at
	`

	_, err := r.db.Exec(ctx, query,
		s.BizType,
		s.BizID,
		s.InstanceID,
		s.Step,
		string(s.Outcome),
		s.Label,
		database.ToMillis(s.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to project business status")
	}
	return nil
}

// Get returns the projection for an entity.
func (r *BizStatusRepository) Get(ctx context.Context, bizType, bizID string) (*BizStatus, error) {
	query := `
		SELECT biz_type, biz_id, instance_id, step, outcome, label, updated_at
		FROM biz_statuses
		WHERE biz_type = $1 AND biz_id = $2
	`

	var (
		s         BizStatus
		outcome   string
		updatedAt int64
	)
	err := r.db.QueryRow(ctx, query, bizType, bizID).Scan(
		&s.BizType,
		&s.BizID,
		&s.InstanceID,
		&s.Step,
		&outcome,
		&s.Label,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, errors.NotFound("biz_status", bizType+"/"+bizID)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get business status")
	}
	s.Outcome = ApprovalStatus(outcome)
	s.UpdatedAt = database.FromMillis(updatedAt)
	return &s, nil
}
