package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// ApprovalRecordRepository stores immutable per-decision records. There is
// no update or delete path.
type ApprovalRecordRepository struct {
	db *database.DB
}

// NewApprovalRecordRepository creates a new ApprovalRecordRepository.
func NewApprovalRecordRepository(db *database.DB) *ApprovalRecordRepository {
	return &ApprovalRecordRepository{db: db}
}

// Append inserts a decision record.
func (r *ApprovalRecordRepository) Append(ctx context.Context, rec *ApprovalRecord) error {
	query := `
		INSERT INTO approval_records
		    (id, instance_id, step, node_kind, node_target, node_target_name,
		     node_label, flow_version, actor_id, actor_name, action, comment, acted_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.InstanceID,
		rec.Step,
		string(rec.NodeKind),
		rec.NodeTarget,
		rec.NodeTargetName,
		rec.NodeLabel,
		rec.FlowVersion,
		rec.ActorID,
		rec.ActorName,
		string(rec.Action),
		rec.Comment,
		database.ToMillis(rec.ActedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval record")
	}
	return nil
}

// ListByInstance returns an instance's records in step order. Each step has
// at most one record, since approve advances and reject terminates.
func (r *ApprovalRecordRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalRecord, error) {
	query := `
		SELECT id, instance_id, step, node_kind, node_target, node_target_name,
		       node_label, flow_version, actor_id, actor_name, action, comment, acted_at
		FROM approval_records
		WHERE instance_id = $1
		ORDER BY step ASC, acted_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		var (
			rec          ApprovalRecord
			kind, action string
			actedAt      int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.Step,
			&kind,
			&rec.NodeTarget,
			&rec.NodeTargetName,
			&rec.NodeLabel,
			&rec.FlowVersion,
			&rec.ActorID,
			&rec.ActorName,
			&action,
			&rec.Comment,
			&actedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		rec.NodeKind = NodeKind(kind)
		rec.Action = DecisionAction(action)
		rec.ActedAt = database.FromMillis(actedAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval records")
	}
	return records, nil
}
