package repository

import (
	"context"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// AssessmentRequestRepository manages assessment_requests and the units
// that belong to them.
type AssessmentRequestRepository struct {
	db *database.DB
}

// NewAssessmentRequestRepository creates a new AssessmentRequestRepository.
func NewAssessmentRequestRepository(db *database.DB) *AssessmentRequestRepository {
	return &AssessmentRequestRepository{db: db}
}

const unitColumns = `
	id, request_id, kind, status, round,
	sample_name, test_item_name, quantity, material, sort_order, updated_at
`

// Create inserts a request and its units in one transaction.
func (r *AssessmentRequestRepository) Create(ctx context.Context, req *AssessmentRequest, units []*AssessableUnit) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO assessment_requests
			    (id, granularity, status,
			     total_count, passed_count, failed_count, pending_count,
			     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`

		_, err := r.db.Exec(ctx, query,
			req.ID,
			string(req.Granularity),
			string(req.Status),
			req.Counters.Total,
			req.Counters.Passed,
			req.Counters.Failed,
			req.Counters.Pending,
			database.ToMillis(req.CreatedAt),
			database.ToMillis(req.UpdatedAt),
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.AlreadyInProgress("assessment_request", req.ID, "existing")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create assessment request")
		}

		unitQuery := `
			INSERT INTO assessment_units
			    (id, request_id, kind, status, round,
			     sample_name, test_item_name, quantity, material, sort_order, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`

		for _, unit := range units {
			unit.RequestID = req.ID
			_, err := r.db.Exec(ctx, unitQuery,
				unit.ID,
				unit.RequestID,
				string(unit.Kind),
				string(unit.Status),
				unit.Round,
				unit.Attributes.SampleName,
				unit.Attributes.TestItemName,
				unit.Attributes.Quantity,
				unit.Attributes.Material,
				unit.SortOrder,
				database.ToMillis(unit.UpdatedAt),
			)
			if err != nil {
				if database.IsUniqueViolation(err) {
					return errors.AlreadyInProgress("assessment_unit", unit.ID, "existing")
				}
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create assessment unit")
			}
		}
		return nil
	})
}

// GetByID retrieves a request, optionally locking its row.
func (r *AssessmentRequestRepository) GetByID(ctx context.Context, id string, forUpdate bool) (*AssessmentRequest, error) {
	query := `
		SELECT id, granularity, status,
		       total_count, passed_count, failed_count, pending_count,
		       created_at, updated_at
		FROM assessment_requests
		WHERE id = $1
	`
	if forUpdate {
		query += r.db.ForUpdate()
	}

	var (
		req                  AssessmentRequest
		granularity, status  string
		createdAt, updatedAt int64
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID,
		&granularity,
		&status,
		&req.Counters.Total,
		&req.Counters.Passed,
		&req.Counters.Failed,
		&req.Counters.Pending,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, errors.NotFound("assessment_request", id)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get assessment request")
	}

	req.Granularity = Granularity(granularity)
	req.Status = RequestStatus(status)
	req.CreatedAt = database.FromMillis(createdAt)
	req.UpdatedAt = database.FromMillis(updatedAt)
	return &req, nil
}

// UpdateStatus persists status and counters.
func (r *AssessmentRequestRepository) UpdateStatus(ctx context.Context, req *AssessmentRequest) error {
	query := `
		UPDATE assessment_requests
		SET status        = $2,
		    total_count   = $3,
		    passed_count  = $4,
		    failed_count  = $5,
		    pending_count = $6,
		    updated_at    = $7
		WHERE id = $1
	`

	n, err := r.db.Exec(ctx, query,
		req.ID,
		string(req.Status),
		req.Counters.Total,
		req.Counters.Passed,
		req.Counters.Failed,
		req.Counters.Pending,
		database.ToMillis(req.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update assessment request")
	}
	if n == 0 {
		return errors.NotFound("assessment_request", req.ID)
	}
	return nil
}

// CountUnits recomputes counters from the request's unit rows. Total
// counts every unit, assigned or not; Pending counts units mid-round.
func (r *AssessmentRequestRepository) CountUnits(ctx context.Context, requestID string) (Counters, error) {
	query := `
		SELECT
		    COUNT(*),
		    COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status = 'assessing' THEN 1 ELSE 0 END), 0)
		FROM assessment_units
		WHERE request_id = $1
	`

	var c Counters
	err := r.db.QueryRow(ctx, query, requestID).Scan(&c.Total, &c.Passed, &c.Failed, &c.Pending)
	if err != nil {
		return Counters{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to count assessment units")
	}
	return c, nil
}

// ── Units ────────────────────────────────────────────────────────────────────

// GetUnit retrieves one unit, optionally locking its row.
func (r *AssessmentRequestRepository) GetUnit(ctx context.Context, id string, forUpdate bool) (*AssessableUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM assessment_units WHERE id = $1`
	if forUpdate {
		query += r.db.ForUpdate()
	}

	unit, err := r.scanUnit(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("assessment_unit", id)
	}
	return unit, err
}

// ListUnits returns a request's units in display order.
func (r *AssessmentRequestRepository) ListUnits(ctx context.Context, requestID string) ([]*AssessableUnit, error) {
	query := `SELECT ` + unitColumns + `
		FROM assessment_units
		WHERE request_id = $1
		ORDER BY sort_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list assessment units")
	}
	defer rows.Close()

	var units []*AssessableUnit
	for rows.Next() {
		unit, err := r.scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read assessment units")
	}
	return units, nil
}

// UpdateUnit persists a unit's status, round and attributes.
func (r *AssessmentRequestRepository) UpdateUnit(ctx context.Context, unit *AssessableUnit) error {
	query := `
		UPDATE assessment_units
		SET status         = $2,
		    round          = $3,
		    sample_name    = $4,
		    test_item_name = $5,
		    quantity       = $6,
		    material       = $7,
		    updated_at     = $8
		WHERE id = $1
	`

	n, err := r.db.Exec(ctx, query,
		unit.ID,
		string(unit.Status),
		unit.Round,
		unit.Attributes.SampleName,
		unit.Attributes.TestItemName,
		unit.Attributes.Quantity,
		unit.Attributes.Material,
		database.ToMillis(unit.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update assessment unit")
	}
	if n == 0 {
		return errors.NotFound("assessment_unit", unit.ID)
	}
	return nil
}

type unitScanner interface {
	Scan(dest ...any) error
}

func (r *AssessmentRequestRepository) scanUnit(row unitScanner) (*AssessableUnit, error) {
	var (
		unit         AssessableUnit
		kind, status string
		updatedAt    int64
	)

	err := row.Scan(
		&unit.ID,
		&unit.RequestID,
		&kind,
		&status,
		&unit.Round,
		&unit.Attributes.SampleName,
		&unit.Attributes.TestItemName,
		&unit.Attributes.Quantity,
		&unit.Attributes.Material,
		&unit.SortOrder,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assessment unit")
	}

	unit.Kind = UnitKind(kind)
	unit.Status = UnitStatus(status)
	unit.UpdatedAt = database.FromMillis(updatedAt)
	return &unit, nil
}
