package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lims-workflow/internal/handler"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/database"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
	"github.com/pesio-ai/be-lims-workflow/internal/repository/migrations"
	"github.com/pesio-ai/be-lims-workflow/internal/service"
)

var (
	admin   = service.Actor{ID: "u-admin", Name: "Ada", Roles: []string{"admin"}}
	rep     = service.Actor{ID: "u-sales-rep", Name: "Sam", DepartmentID: "sales", Roles: []string{"sales"}}
	manager = service.Actor{ID: "u-sales-mgr", Name: "Sally", DepartmentID: "sales", Roles: []string{"sales_manager"}}
	finance = service.Actor{ID: "u-fin", Name: "Fiona", DepartmentID: "finance", Roles: []string{"finance"}}
)

type testServer struct {
	router *gin.Engine
	auth   *handler.Authenticator
	redis  *miniredis.Miniredis
	db     *database.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(context.Background(), migrations.FS, "."))

	log := logger.Nop()
	flowRepo := repository.NewApprovalFlowRepository(db)
	flows := service.NewFlowService(flowRepo, log)
	approvals := service.NewApprovalService(db,
		flowRepo,
		repository.NewApprovalInstanceRepository(db),
		repository.NewApprovalRecordRepository(db),
		repository.NewApprovalLogRepository(db),
		service.NewPermissionResolver("", nil),
		service.NewStoreProjector(repository.NewBizStatusRepository(db), nil),
		log,
	)
	assessments := service.NewAssessmentService(db,
		repository.NewAssessmentRequestRepository(db),
		repository.NewAssessmentVerdictRepository(db),
		log,
	)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	auth := handler.NewAuthenticator("test-secret", "lims-test")
	h := handler.NewHTTPHandler(flows, approvals, assessments, auth,
		handler.NewIdempotency(client, 24*time.Hour, log), db, log)

	return &testServer{
		router: h.SetupRoutes(handler.RouterConfig{CORSOrigins: []string{"*"}}),
		auth:   auth,
		redis:  mr,
		db:     db,
	}
}

func (s *testServer) token(t *testing.T, actor service.Actor) string {
	t.Helper()
	tok, err := s.auth.Issue(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, actor *service.Actor, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) seedFlow(t *testing.T) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/flows", &admin, service.SaveFlowRequest{
		Code:    "quotation_approval",
		Name:    "Quotation approval",
		BizType: "quotation",
		Enabled: true,
		Nodes: []repository.FlowNode{
			{Step: 1, Name: "Sales review", Kind: repository.NodeKindDepartment, Target: "sales"},
			{Step: 2, Name: "Finance review", Kind: repository.NodeKindRole, Target: "finance"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodOptions, "/api/v1/approvals", nil, nil, "Origin", "https://lims.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/flows", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/flows", nil, nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := handler.NewAuthenticator("another-secret", "lims-test")
	forged, err := other.Issue(rep, time.Hour)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/flows", nil, nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := s.auth.Issue(rep, -time.Minute)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/flows", nil, nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wrongIssuer, err := handler.NewAuthenticator("test-secret", "elsewhere").Issue(rep, time.Hour)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/flows", nil, nil, "Authorization", "Bearer "+wrongIssuer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/flows", &rep, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyMapsClaimsToActor(t *testing.T) {
	auth := handler.NewAuthenticator("test-secret", "")
	tok, err := auth.Issue(manager, time.Hour)
	require.NoError(t, err)

	actor, err := auth.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, manager, actor)
}

func TestFlowAdministration(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/flows", &rep, service.SaveFlowRequest{Code: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	s.seedFlow(t)

	w = s.do(t, http.MethodPost, "/api/v1/flows", &admin, service.SaveFlowRequest{
		Code: "broken", BizType: "quotation",
		Nodes: []repository.FlowNode{{Step: 2, Kind: repository.NodeKindRole, Target: "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decode[handler.ErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_ERROR", errResp.Code)
	assert.Equal(t, "nodes", errResp.Field)

	w = s.do(t, http.MethodGet, "/api/v1/flows/quotation_approval", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	flow := decode[handler.FlowResponse](t, w)
	assert.Equal(t, 1, flow.Version)
	assert.Len(t, flow.Nodes, 2)

	w = s.do(t, http.MethodPut, "/api/v1/flows/quotation_approval/enabled", &admin, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[handler.FlowResponse](t, w).Enabled)

	w = s.do(t, http.MethodGet, "/api/v1/flows?enabled=true", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["count"])

	w = s.do(t, http.MethodGet, "/api/v1/flows/missing", &rep, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.seedFlow(t)

	w := s.do(t, http.MethodPost, "/api/v1/approvals", &rep, service.SubmitRequest{BizType: "quotation", BizID: "Q-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decode[handler.InstanceResponse](t, w)
	assert.Equal(t, "pending", inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)

	w = s.do(t, http.MethodPost, "/api/v1/approvals", &rep, service.SubmitRequest{BizType: "quotation", BizID: "Q-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_IN_PROGRESS", decode[handler.ErrorResponse](t, w).Code)

	decidePath := "/api/v1/approvals/" + inst.ID + "/decide"
	w = s.do(t, http.MethodPost, decidePath, &finance, map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/approvals/pending", &manager, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = s.do(t, http.MethodPost, decidePath, &manager, map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[handler.InstanceResponse](t, w).CurrentStep)

	w = s.do(t, http.MethodPost, decidePath, &finance, map[string]string{"action": "reject"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reject needs a comment")

	w = s.do(t, http.MethodPost, decidePath, &finance, map[string]string{"action": "reject", "comment": "price"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", decode[handler.InstanceResponse](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/v1/approvals/"+inst.ID+"/cancel", &rep, nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "NOT_PENDING", decode[handler.ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/approvals/"+inst.ID, &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	details := decode[handler.InstanceDetailsResponse](t, w)
	require.Len(t, details.Records, 2)
	assert.Equal(t, "price", details.Records[1].Comment)

	w = s.do(t, http.MethodGet, "/api/v1/approvals/biz/quotation/Q-1", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inst.ID, decode[handler.InstanceDetailsResponse](t, w).Instance.ID)

	w = s.do(t, http.MethodGet, "/api/v1/approvals/biz/quotation/Q-1/history", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Entries []handler.LogResponse `json:"entries"`
	}](t, w)
	require.Len(t, history.Entries, 3)
	for i, e := range history.Entries {
		assert.Equal(t, i+1, e.Seq)
	}

	w = s.do(t, http.MethodGet, "/api/v1/approvals/biz/quotation/Q-404", &rep, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigErrorStatus(t *testing.T) {
	s := newTestServer(t)
	s.seedFlow(t)

	w := s.do(t, http.MethodPut, "/api/v1/flows/quotation_approval/enabled", &admin, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/approvals", &rep, service.SubmitRequest{
		BizType: "quotation", BizID: "Q-2", FlowCode: "quotation_approval",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "CONFIG_ERROR", decode[handler.ErrorResponse](t, w).Code)
}

func TestAssessmentOverHTTP(t *testing.T) {
	s := newTestServer(t)
	a1 := service.Actor{ID: "a-1", Name: "Ann"}
	a2 := service.Actor{ID: "a-2", Name: "Ben"}

	w := s.do(t, http.MethodPost, "/api/v1/assessments", &rep, service.OpenRequest{ID: "R-1", Granularity: "coarse"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "following", decode[handler.AssessmentRequestResponse](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/v1/assessments/R-1/assign", &rep, map[string]any{
		"assignments": []service.Assignment{{Assessors: []service.Assessor{{ID: "a-1", Name: "Ann"}}}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "assessing", decode[handler.AssessmentRequestResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/assessments/mine/pending", &a1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	verdictPath := "/api/v1/assessments/units/R-1/verdicts"
	w = s.do(t, http.MethodPost, verdictPath, &a1, map[string]string{"feasibility": "perhaps"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, verdictPath, &a2, map[string]string{"feasibility": "feasible"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, verdictPath, &a1, map[string]string{"feasibility": "infeasible", "note": "no rig"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", decode[handler.UnitResponse](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/v1/assessments/units/R-1/reassess", &rep, map[string]any{
		"assessors":  []service.Assessor{{ID: "a-2", Name: "Ben"}},
		"attributes": repository.UnitAttributes{SampleName: "Revised"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	unit := decode[handler.UnitResponse](t, w)
	assert.Equal(t, 2, unit.Round)
	assert.Equal(t, "Revised", unit.Attributes.SampleName)

	w = s.do(t, http.MethodPost, verdictPath, &a2, map[string]string{"feasibility": "feasible"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/assessments/R-1", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	details := decode[handler.AssessmentDetailsResponse](t, w)
	assert.Equal(t, "assessment_passed", details.Status)
	assert.Equal(t, handler.CountersResponse{Total: 1, Passed: 1}, details.Counters)
	require.Len(t, details.Units, 1)
	require.Len(t, details.Units[0].Rounds, 2)
	assert.False(t, details.Units[0].Rounds[0].Verdicts[0].IsLatest)

	w = s.do(t, http.MethodGet, "/api/v1/assessments/units/R-1", &rep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "passed", decode[handler.UnitDetailsResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/assessments/mine/history", &a1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])
}

func TestIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	s.seedFlow(t)

	body := service.SubmitRequest{BizType: "quotation", BizID: "Q-9"}
	first := s.do(t, http.MethodPost, "/api/v1/approvals", &rep, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(t, http.MethodPost, "/api/v1/approvals", &rep, body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	fresh := s.do(t, http.MethodPost, "/api/v1/approvals", &rep, body, "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusConflict, fresh.Code, "a new key runs the request again")

	// Keys are per actor.
	other := s.do(t, http.MethodPost, "/api/v1/approvals", &manager, body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, other.Code)
	assert.Empty(t, other.Header().Get("Idempotent-Replayed"))
}

func TestIdempotencyLeaseInProgress(t *testing.T) {
	s := newTestServer(t)
	s.seedFlow(t)

	require.NoError(t, s.redis.Set("lims-workflow:idem:u-sales-rep:POST:/api/v1/approvals:k-busy:lease", "1"))

	w := s.do(t, http.MethodPost, "/api/v1/approvals", &rep,
		service.SubmitRequest{BizType: "quotation", BizID: "Q-10"}, "Idempotency-Key", "k-busy")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IDEMPOTENCY_IN_PROGRESS", decode[handler.ErrorResponse](t, w).Code)
}

func TestIdempotencyDegradesWithoutRedis(t *testing.T) {
	s := newTestServer(t)
	s.seedFlow(t)
	s.redis.Close()

	w := s.do(t, http.MethodPost, "/api/v1/approvals", &rep,
		service.SubmitRequest{BizType: "quotation", BizID: "Q-11"}, "Idempotency-Key", "k-3")
	assert.Equal(t, http.StatusCreated, w.Code)
}
