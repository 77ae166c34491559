package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
	"github.com/pesio-ai/be-lims-workflow/internal/repository/migrations"
)

// fakeClock advances one second per reading so orderings are deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	db          *database.DB
	flows       *FlowService
	approvals   *ApprovalService
	assessments *AssessmentService
	projector   *MemoryProjector
	bizStatuses *repository.BizStatusRepository
	records     *repository.ApprovalRecordRepository
	logs        *repository.ApprovalLogRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return newTestEnvOn(t, db)
}

// newTestEnvOn migrates db and wires every service over it.
func newTestEnvOn(t *testing.T, db *database.DB) *testEnv {
	t.Helper()
	require.NoError(t, db.Migrate(context.Background(), migrations.FS, "."))

	log := logger.Nop()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}

	flowRepo := repository.NewApprovalFlowRepository(db)
	instanceRepo := repository.NewApprovalInstanceRepository(db)
	recordRepo := repository.NewApprovalRecordRepository(db)
	logRepo := repository.NewApprovalLogRepository(db)
	bizStatusRepo := repository.NewBizStatusRepository(db)
	requestRepo := repository.NewAssessmentRequestRepository(db)
	verdictRepo := repository.NewAssessmentVerdictRepository(db)

	projector := NewMemoryProjector(nil)
	resolver := NewPermissionResolver("", nil)

	flows := NewFlowService(flowRepo, log)
	flows.now = clock.Now
	approvals := NewApprovalService(db, flowRepo, instanceRepo, recordRepo, logRepo, resolver, projector, log)
	approvals.now = clock.Now
	assessments := NewAssessmentService(db, requestRepo, verdictRepo, log)
	assessments.now = clock.Now

	return &testEnv{
		db:          db,
		flows:       flows,
		approvals:   approvals,
		assessments: assessments,
		projector:   projector,
		bizStatuses: bizStatusRepo,
		records:     recordRepo,
		logs:        logRepo,
	}
}

var (
	salesManager = Actor{ID: "u-sales-mgr", Name: "Sally", DepartmentID: "sales", Roles: []string{"sales_manager"}}
	salesRep     = Actor{ID: "u-sales-rep", Name: "Sam", DepartmentID: "sales", Roles: []string{"sales"}}
	financeUser  = Actor{ID: "u-fin", Name: "Fiona", DepartmentID: "finance", Roles: []string{"finance"}}
	labLead      = Actor{ID: "u-lab", Name: "Lars", DepartmentID: "lab", Roles: []string{"lab"}}
	adminUser    = Actor{ID: "u-admin", Name: "Ada", Roles: []string{"admin"}}
)

func quotationFlowRequest() SaveFlowRequest {
	return SaveFlowRequest{
		Code:    "quotation_approval",
		Name:    "Quotation approval",
		BizType: "quotation",
		Enabled: true,
		Nodes: []repository.FlowNode{
			{Step: 1, Name: "Sales review", Kind: repository.NodeKindDepartment, Target: "sales"},
			{Step: 2, Name: "Finance review", Kind: repository.NodeKindRole, Target: "finance"},
			{Step: 3, Name: "Lab sign-off", Kind: repository.NodeKindUser, Target: "u-lab", TargetName: "Lars"},
		},
	}
}

func (e *testEnv) seedQuotationFlow(t *testing.T) {
	t.Helper()
	_, err := e.flows.Save(context.Background(), quotationFlowRequest())
	require.NoError(t, err)
}
