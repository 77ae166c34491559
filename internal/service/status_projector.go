package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
)

// StatusProjector reflects an approval outcome onto the owning business
// record. It is called inside the engine's transaction; an error aborts the
// whole operation.
type StatusProjector interface {
	Project(ctx context.Context, p Projection) error
}

// Projection is what the engine hands to a StatusProjector.
type Projection struct {
	BizType    string
	BizID      string
	InstanceID string
	Step       int
	Outcome    repository.ApprovalStatus
	// NodeLabel is the ResultLabel of the node now pending, if any.
	NodeLabel string
}

// LabelFunc maps a projection to a business-facing status label.
type LabelFunc func(p Projection) string

// StatusLabels maps business types to label functions. Types without an
// entry use the outcome name, or the node's result label while pending.
type StatusLabels map[string]LabelFunc

// Label resolves the label for p.
func (l StatusLabels) Label(p Projection) string {
	if fn, ok := l[p.BizType]; ok {
		return fn(p)
	}
	if p.Outcome == repository.StatusPending && p.NodeLabel != "" {
		return p.NodeLabel
	}
	return string(p.Outcome)
}

// DefaultStatusLabels returns the built-in business label tables.
func DefaultStatusLabels() StatusLabels {
	return StatusLabels{
		"quotation": quotationLabel,
	}
}

var quotationPendingLabels = map[int]string{
	1: "pending_sales",
	2: "pending_finance",
	3: "pending_lab",
}

// quotationLabel returns a withdrawn quotation to draft so it can be edited
// and submitted again.
func quotationLabel(p Projection) string {
	switch p.Outcome {
	case repository.StatusPending:
		if label, ok := quotationPendingLabels[p.Step]; ok {
			return label
		}
		if p.NodeLabel != "" {
			return p.NodeLabel
		}
		return fmt.Sprintf("pending_step_%d", p.Step)
	case repository.StatusCancelled:
		return "draft"
	default:
		return string(p.Outcome)
	}
}

// ── Store-backed projector ───────────────────────────────────────────────────

// StoreProjector writes projections to biz_statuses through the caller's
// transaction, so a projection commits or rolls back with the decision.
type StoreProjector struct {
	repo   *repository.BizStatusRepository
	labels StatusLabels
	now    func() time.Time
}

// NewStoreProjector creates a StoreProjector. A nil labels table uses the
// defaults.
func NewStoreProjector(repo *repository.BizStatusRepository, labels StatusLabels) *StoreProjector {
	if labels == nil {
		labels = DefaultStatusLabels()
	}
	return &StoreProjector{repo: repo, labels: labels, now: time.Now}
}

func (s *StoreProjector) Project(ctx context.Context, p Projection) error {
	return s.repo.Upsert(ctx, &repository.BizStatus{
		BizType:    p.BizType,
		BizID:      p.BizID,
		InstanceID: p.InstanceID,
		Step:       p.Step,
		Outcome:    p.Outcome,
		Label:      s.labels.Label(p),
		UpdatedAt:  s.now().UTC(),
	})
}

// ── In-memory projector ──────────────────────────────────────────────────────

// MemoryProjector keeps projections in memory. It is the reference
// implementation used when no business store is attached.
type MemoryProjector struct {
	mu      sync.RWMutex
	labels  StatusLabels
	current map[string]repository.BizStatus
	// Fail, when set, is returned by Project to simulate a failing store.
	Fail error
}

// NewMemoryProjector creates a MemoryProjector. A nil labels table uses
// the defaults.
func NewMemoryProjector(labels StatusLabels) *MemoryProjector {
	if labels == nil {
		labels = DefaultStatusLabels()
	}
	return &MemoryProjector{labels: labels, current: make(map[string]repository.BizStatus)}
}

// Project stages the projection until the caller's transaction commits, so
// a rolled-back decision leaves no trace. Without a transaction it applies
// at once.
func (m *MemoryProjector) Project(ctx context.Context, p Projection) error {
	if m.Fail != nil {
		return m.Fail
	}
	status := repository.BizStatus{
		BizType:    p.BizType,
		BizID:      p.BizID,
		InstanceID: p.InstanceID,
		Step:       p.Step,
		Outcome:    p.Outcome,
		Label:      m.labels.Label(p),
		UpdatedAt:  time.Now().UTC(),
	}
	database.AfterCommit(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.current[p.BizType+"/"+p.BizID] = status
	})
	return nil
}

// Get returns the last projection for an entity.
func (m *MemoryProjector) Get(bizType, bizID string) (repository.BizStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.current[bizType+"/"+bizID]
	return s, ok
}
