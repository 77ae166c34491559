package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
)

// ApprovalFlowRepository handles CRUD for approval_flows. Nodes are stored as
// a JSON array and decoded once when a row is loaded.
type ApprovalFlowRepository struct {
	db *database.DB
}

// NewApprovalFlowRepository creates a new ApprovalFlowRepository.
func NewApprovalFlowRepository(db *database.DB) *ApprovalFlowRepository {
	return &ApprovalFlowRepository{db: db}
}

// Upsert inserts a flow or replaces an existing one with the same code,
// bumping its version. Version and CreatedAt are written back to flow.
func (r *ApprovalFlowRepository) Upsert(ctx context.Context, flow *FlowDefinition) error {
	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow nodes")
	}

	query := `
		INSERT INTO approval_flows
		    (code, name, biz_type, description, nodes,
		     enabled, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, 1, $7, $7)
		ON CONFLICT (code) DO UPDATE SET
		    name        = excluded.name,
		    biz_type    = excluded.biz_type,
		    description = excluded.description,
		    nodes       = excluded.nodes,
		    enabled     = excluded.enabled,
		    version     = approval_flows.version + 1,
		    updated_at  = excluded.updated_at
		RETURNING version, created_at
	`

	var createdAt int64
	err = r.db.QueryRow(ctx, query,
		flow.Code,
		flow.Name,
		flow.BizType,
		flow.Description,
		string(nodesJSON),
		flow.Enabled,
		database.ToMillis(flow.UpdatedAt),
	).Scan(&flow.Version, &createdAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval flow")
	}
	flow.CreatedAt = database.FromMillis(createdAt)
	return nil
}

// GetByCode loads a flow. A row whose nodes cannot be decoded or are not a
// contiguous 1..n sequence is reported as a configuration error.
func (r *ApprovalFlowRepository) GetByCode(ctx context.Context, code string) (*FlowDefinition, error) {
	query := `
		SELECT code, name, biz_type, description, nodes,
		       enabled, version, created_at, updated_at
		FROM approval_flows
		WHERE code = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, code))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("approval_flow", code)
	}
	return flow, err
}

// List returns flows ordered by code, optionally filtered by business type
// and to enabled flows only.
func (r *ApprovalFlowRepository) List(ctx context.Context, bizType string, enabledOnly bool) ([]*FlowDefinition, error) {
	query := `
		SELECT code, name, biz_type, description, nodes,
		       enabled, version, created_at, updated_at
		FROM approval_flows
		WHERE ($1 = '' OR biz_type = $1)
	`
	if enabledOnly {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY code ASC"

	rows, err := r.db.Query(ctx, query, bizType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*FlowDefinition
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	return flows, nil
}

// SetEnabled toggles a flow without touching its nodes or version.
func (r *ApprovalFlowRepository) SetEnabled(ctx context.Context, code string, enabled bool, at time.Time) error {
	query := `
		UPDATE approval_flows
		SET enabled = $2, updated_at = $3
		WHERE code = $1
	`

	n, err := r.db.Exec(ctx, query, code, enabled, database.ToMillis(at))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval flow")
	}
	if n == 0 {
		return errors.NotFound("approval_flow", code)
	}
	return nil
}

// ValidateNodes checks that nodes are well formed and their steps form the
// sequence 1..len(nodes). It does not reorder the slice.
func ValidateNodes(nodes []FlowNode) error {
	seen := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		if n.Step < 1 || n.Step > len(nodes) {
			return fmt.Errorf("step %d out of range 1..%d", n.Step, len(nodes))
		}
		if seen[n.Step] {
			return fmt.Errorf("duplicate step %d", n.Step)
		}
		seen[n.Step] = true
		if !n.Kind.Valid() {
			return fmt.Errorf("step %d: unknown node kind %q", n.Step, n.Kind)
		}
		if n.Target == "" {
			return fmt.Errorf("step %d: target is required", n.Step)
		}
	}
	return nil
}

// ── Scan helpers ─────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalFlowRepository) scanFlow(row flowScanner) (*FlowDefinition, error) {
	var (
		flow                 FlowDefinition
		nodesJSON            string
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&flow.Code,
		&flow.Name,
		&flow.BizType,
		&flow.Description,
		&nodesJSON,
		&flow.Enabled,
		&flow.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
	}

	if err := json.Unmarshal([]byte(nodesJSON), &flow.Nodes); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("approval flow %q has malformed nodes: %v", flow.Code, err))
	}
	if err := ValidateNodes(flow.Nodes); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("approval flow %q: %v", flow.Code, err))
	}
	sort.Slice(flow.Nodes, func(i, j int) bool { return flow.Nodes[i].Step < flow.Nodes[j].Step })

	flow.CreatedAt = database.FromMillis(createdAt)
	flow.UpdatedAt = database.FromMillis(updatedAt)
	return &flow, nil
}
