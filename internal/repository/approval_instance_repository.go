package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// ApprovalInstanceRepository manages approval_instances. A partial unique
// index guarantees at most one pending or approved instance per business
// entity, so concurrent submissions cannot both succeed.
type ApprovalInstanceRepository struct {
	db *database.DB
}

// NewApprovalInstanceRepository creates a new ApprovalInstanceRepository.
func NewApprovalInstanceRepository(db *database.DB) *ApprovalInstanceRepository {
	return &ApprovalInstanceRepository{db: db}
}

const instanceColumns = `
	id, biz_type, biz_id, flow_code, current_step, status,
	submitter_id, submitter_name, submitted_at, completed_at, updated_at
`

// Create inserts a new instance. A unique violation means another live
// instance exists for the same entity and is reported as AlreadyInProgress.
func (r *ApprovalInstanceRepository) Create(ctx context.Context, inst *ApprovalInstance) error {
	query := `
		INSERT INTO approval_instances
		    (id, biz_type, biz_id, flow_code, current_step, status,
		     submitter_id, submitter_name, submitted_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		inst.ID,
		inst.BizType,
		inst.BizID,
		inst.FlowCode,
		inst.CurrentStep,
		string(inst.Status),
		inst.SubmitterID,
		inst.SubmitterName,
		database.ToMillis(inst.SubmittedAt),
		database.ToNullMillis(inst.CompletedAt),
		database.ToMillis(inst.UpdatedAt),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.AlreadyInProgress("approval", inst.BizType+"/"+inst.BizID, string(StatusPending))
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

// GetByID retrieves an instance. With forUpdate the row stays locked until
// the surrounding transaction ends.
func (r *ApprovalInstanceRepository) GetByID(ctx context.Context, id string, forUpdate bool) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`
	if forUpdate {
		query += r.db.ForUpdate()
	}

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetLatestByBiz returns the most recently submitted instance for an
// entity, or nil when none exists.
func (r *ApprovalInstanceRepository) GetLatestByBiz(ctx context.Context, bizType, bizID string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE biz_type = $1 AND biz_id = $2
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, bizType, bizID))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return inst, err
}

// GetActiveByBiz returns the pending or approved instance for an entity,
// or nil when there is none.
func (r *ApprovalInstanceRepository) GetActiveByBiz(ctx context.Context, bizType, bizID string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE biz_type = $1 AND biz_id = $2
		  AND status IN ('pending', 'approved')
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, bizType, bizID))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return inst, err
}

// ListByBiz returns every instance for an entity, oldest first.
func (r *ApprovalInstanceRepository) ListByBiz(ctx context.Context, bizType, bizID string) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE biz_type = $1 AND biz_id = $2
		ORDER BY submitted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, bizType, bizID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval instances")
	}
	return r.scanRows(rows)
}

// ListPending returns pending instances, optionally for one business type,
// oldest submission first.
func (r *ApprovalInstanceRepository) ListPending(ctx context.Context, bizType string) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE status = 'pending'
		  AND ($1 = '' OR biz_type = $1)
		ORDER BY submitted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, bizType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	return r.scanRows(rows)
}

// Update persists step, status and completion of an instance.
func (r *ApprovalInstanceRepository) Update(ctx context.Context, inst *ApprovalInstance) error {
	query := `
		UPDATE approval_instances
		SET current_step = $2,
		    status       = $3,
		    completed_at = $4,
		    updated_at   = $5
		WHERE id = $1
	`

	n, err := r.db.Exec(ctx, query,
		inst.ID,
		inst.CurrentStep,
		string(inst.Status),
		database.ToNullMillis(inst.CompletedAt),
		database.ToMillis(inst.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
	}
	if n == 0 {
		return errors.NotFound("approval_instance", inst.ID)
	}
	return nil
}

// ── Scan helpers ─────────────────────────────────────────────────────────────

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalInstanceRepository) scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	var (
		inst                   ApprovalInstance
		status                 string
		submittedAt, updatedAt int64
		completedAt            *int64
	)

	err := row.Scan(
		&inst.ID,
		&inst.BizType,
		&inst.BizID,
		&inst.FlowCode,
		&inst.CurrentStep,
		&status,
		&inst.SubmitterID,
		&inst.SubmitterName,
		&submittedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
	}

	inst.Status = ApprovalStatus(status)
	inst.SubmittedAt = database.FromMillis(submittedAt)
	inst.CompletedAt = database.FromNullMillis(completedAt)
	inst.UpdatedAt = database.FromMillis(updatedAt)
	return &inst, nil
}

func (r *ApprovalInstanceRepository) scanRows(rows database.Rows) ([]*ApprovalInstance, error) {
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval instances")
	}
	return out, nil
}
