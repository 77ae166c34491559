package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// ApprovalLogRepository is the append-only operation log per business
// entity. Entries are numbered per entity so ordering never depends on
// clock resolution.
type ApprovalLogRepository struct {
	db *database.DB
}

// NewApprovalLogRepository creates a new ApprovalLogRepository.
func NewApprovalLogRepository(db *database.DB) *ApprovalLogRepository {
	return &ApprovalLogRepository{db: db}
}

// Append inserts an entry with the next sequence number for its entity and
// writes the number back to entry.Seq.
func (r *ApprovalLogRepository) Append(ctx context.Context, entry *ApprovalLog) error {
	query := `
		INSERT INTO approval_logs
		    (id, instance_id, biz_type, biz_id, seq, action,
		     operator_id, operator_name, comment, created_at)
		SELECT $1, $2, $3, $4, COALESCE(MAX(seq), 0) + 1, $5,
		       $6, $7, $8, CAST($9 AS BIGINT)
		FROM approval_logs
		WHERE biz_type = $3 AND biz_id = $4
		RETURNING seq
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.BizType,
		entry.BizID,
		string(entry.Action),
		entry.OperatorID,
		entry.OperatorName,
		entry.Comment,
		database.ToMillis(entry.CreatedAt),
	).Scan(&entry.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval log")
	}
	return nil
}

// ListByBiz returns an entity's log, oldest first.
func (r *ApprovalLogRepository) ListByBiz(ctx context.Context, bizType, bizID string) ([]*ApprovalLog, error) {
	query := `
		SELECT id, instance_id, biz_type, biz_id, seq, action,
		       operator_id, operator_name, comment, created_at
		FROM approval_logs
		WHERE biz_type = $1 AND biz_id = $2
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, bizType, bizID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval logs")
	}
	defer rows.Close()

	var entries []*ApprovalLog
	for rows.Next() {
		var (
			entry     ApprovalLog
			action    string
			createdAt int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.InstanceID,
			&entry.BizType,
			&entry.BizID,
			&entry.Seq,
			&action,
			&entry.OperatorID,
			&entry.OperatorName,
			&entry.Comment,
			&createdAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval log")
		}
		entry.Action = LogAction(action)
		entry.CreatedAt = database.FromMillis(createdAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval logs")
	}
	return entries, nil
}
