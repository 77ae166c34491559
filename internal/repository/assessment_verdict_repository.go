package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// AssessmentVerdictRepository manages verdict slots. A slot is created
// pending when assessors are assigned and filled exactly once; rows are
// never deleted, so every round stays queryable.
type AssessmentVerdictRepository struct {
	db *database.DB
}

// NewAssessmentVerdictRepository creates a new AssessmentVerdictRepository.
func NewAssessmentVerdictRepository(db *database.DB) *AssessmentVerdictRepository {
	return &AssessmentVerdictRepository{db: db}
}

const verdictColumns = `
	v.id, v.request_id, v.unit_id, v.round, v.assessor_id, v.assessor_name,
	v.feasibility, v.note, v.requested_by, v.requested_at, v.submitted_at, v.is_latest
`

// CreateSlots inserts pending slots for one round.
func (r *AssessmentVerdictRepository) CreateSlots(ctx context.Context, slots []*AssessmentVerdict) error {
	query := `
		INSERT INTO assessment_verdicts
		    (id, request_id, unit_id, round, assessor_id, assessor_name,
		     feasibility, note, requested_by, requested_at, submitted_at, is_latest)
		VALUES ($1, $2, $3, $4, $5, $6,
		        '', '', $7, $8, NULL, $9)
	`

	for _, slot := range slots {
		_, err := r.db.Exec(ctx, query,
			slot.ID,
			slot.RequestID,
			slot.UnitID,
			slot.Round,
			slot.AssessorID,
			slot.AssessorName,
			slot.RequestedBy,
			database.ToMillis(slot.RequestedAt),
			slot.IsLatest,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.AlreadyInProgress("assessment_round", slot.UnitID, "assigned")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create verdict slot")
		}
	}
	return nil
}

// MaxRound returns the highest round recorded for a unit, 0 if none.
func (r *AssessmentVerdictRepository) MaxRound(ctx context.Context, unitID string) (int, error) {
	query := `SELECT COALESCE(MAX(round), 0) FROM assessment_verdicts WHERE unit_id = $1`

	var round int
	if err := r.db.QueryRow(ctx, query, unitID).Scan(&round); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read assessment round")
	}
	return round, nil
}

// ClearLatest drops the latest flag from every existing row of a unit.
// Called before a new round's slots are created.
func (r *AssessmentVerdictRepository) ClearLatest(ctx context.Context, unitID string) error {
	query := `UPDATE assessment_verdicts SET is_latest = FALSE WHERE unit_id = $1 AND is_latest = TRUE`

	if _, err := r.db.Exec(ctx, query, unitID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear latest verdicts")
	}
	return nil
}

// GetSlot returns the slot for (unit, assessor, round).
func (r *AssessmentVerdictRepository) GetSlot(ctx context.Context, unitID, assessorID string, round int) (*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		WHERE v.unit_id = $1 AND v.assessor_id = $2 AND v.round = $3
	`

	v, err := r.scanVerdict(r.db.QueryRow(ctx, query, unitID, assessorID, round))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("assessment_verdict", unitID+"/"+assessorID)
	}
	return v, err
}

// Fill records the assessor's verdict on a pending slot and marks it latest
// for the (unit, assessor) pair. Older rows of the pair lose the flag.
func (r *AssessmentVerdictRepository) Fill(ctx context.Context, v *AssessmentVerdict) error {
	query := `
		UPDATE assessment_verdicts
		SET feasibility  = $2,
		    note         = $3,
		    submitted_at = $4,
		    is_latest    = TRUE
		WHERE id = $1 AND submitted_at IS NULL
	`

	n, err := r.db.Exec(ctx, query,
		v.ID,
		string(v.Feasibility),
		v.Note,
		database.ToNullMillis(v.SubmittedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit verdict")
	}
	if n == 0 {
		return errors.Forbidden("verdict has already been submitted")
	}
	v.IsLatest = true

	supersede := `
		UPDATE assessment_verdicts
		SET is_latest = FALSE
		WHERE unit_id = $1 AND assessor_id = $2 AND round <> $3 AND is_latest = TRUE
	`
	if _, err := r.db.Exec(ctx, supersede, v.UnitID, v.AssessorID, v.Round); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede verdicts")
	}
	return nil
}

// ListByRound returns a unit's slots for one round.
func (r *AssessmentVerdictRepository) ListByRound(ctx context.Context, unitID string, round int) ([]*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		WHERE v.unit_id = $1 AND v.round = $2
		ORDER BY v.requested_at ASC, v.assessor_id ASC
	`

	rows, err := r.db.Query(ctx, query, unitID, round)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list verdicts")
	}
	return r.scanRows(rows)
}

// ListByUnit returns every round of a unit, oldest round first.
func (r *AssessmentVerdictRepository) ListByUnit(ctx context.Context, unitID string) ([]*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		WHERE v.unit_id = $1
		ORDER BY v.round ASC, v.requested_at ASC, v.assessor_id ASC
	`

	rows, err := r.db.Query(ctx, query, unitID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list verdicts")
	}
	return r.scanRows(rows)
}

// ListByRequest returns every verdict of every unit in a request.
func (r *AssessmentVerdictRepository) ListByRequest(ctx context.Context, requestID string) ([]*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		WHERE v.request_id = $1
		ORDER BY v.unit_id ASC, v.round ASC, v.requested_at ASC, v.assessor_id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list verdicts")
	}
	return r.scanRows(rows)
}

// ListPendingForAssessor returns the assessor's open slots on units whose
// current round is still being assessed.
func (r *AssessmentVerdictRepository) ListPendingForAssessor(ctx context.Context, assessorID string) ([]*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		JOIN assessment_units u ON u.id = v.unit_id
		WHERE v.assessor_id = $1
		  AND v.submitted_at IS NULL
		  AND v.round = u.round
		  AND u.status = 'assessing'
		ORDER BY v.requested_at ASC, v.id ASC
	`

	rows, err := r.db.Query(ctx, query, assessorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending verdicts")
	}
	return r.scanRows(rows)
}

// ListSubmittedByAssessor returns the assessor's verdicts, newest first.
func (r *AssessmentVerdictRepository) ListSubmittedByAssessor(ctx context.Context, assessorID string) ([]*AssessmentVerdict, error) {
	query := `SELECT ` + verdictColumns + `
		FROM assessment_verdicts v
		WHERE v.assessor_id = $1 AND v.submitted_at IS NOT NULL
		ORDER BY v.submitted_at DESC, v.id ASC
	`

	rows, err := r.db.Query(ctx, query, assessorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list submitted verdicts")
	}
	return r.scanRows(rows)
}

// ── Scan helpers ─────────────────────────────────────────────────────────────

type verdictScanner interface {
	Scan(dest ...any) error
}

func (r *AssessmentVerdictRepository) scanVerdict(row verdictScanner) (*AssessmentVerdict, error) {
	var (
		v           AssessmentVerdict
		feasibility string
		requestedAt int64
		submittedAt *int64
	)

	err := row.Scan(
		&v.ID,
		&v.RequestID,
		&v.UnitID,
		&v.Round,
		&v.AssessorID,
		&v.AssessorName,
		&feasibility,
		&v.Note,
		&v.RequestedBy,
		&requestedAt,
		&submittedAt,
		&v.IsLatest,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan verdict")
	}

	v.Feasibility = Feasibility(feasibility)
	v.RequestedAt = database.FromMillis(requestedAt)
	v.SubmittedAt = database.FromNullMillis(submittedAt)
	return &v, nil
}

func (r *AssessmentVerdictRepository) scanRows(rows database.Rows) ([]*AssessmentVerdict, error) {
	defer rows.Close()

	var out []*AssessmentVerdict
	for rows.Next() {
		v, err := r.scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read verdicts")
	}
	return out, nil
}
