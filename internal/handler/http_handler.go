package handler

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
	"github.com/pesio-ai/be-lims-workflow/internal/service"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the transport settings for SetupRoutes.
type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// AdminRole may create and toggle flows.
	AdminRole string
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	flows       *service.FlowService
	approvals   *service.ApprovalService
	assessments *service.AssessmentService
	auth        *Authenticator
	idempotency *Idempotency
	health      Pinger
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	flows *service.FlowService,
	approvals *service.ApprovalService,
	assessments *service.AssessmentService,
	auth *Authenticator,
	idempotency *Idempotency,
	health Pinger,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		flows:       flows,
		approvals:   approvals,
		assessments: assessments,
		auth:        auth,
		idempotency: idempotency,
		health:      health,
		log:         log,
	}
}

// SetupRoutes configures and returns the router with all API endpoints
func (h *HTTPHandler) SetupRoutes(cfg RouterConfig) *gin.Engine {
	if cfg.AdminRole == "" {
		cfg.AdminRole = service.DefaultAdminRole
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	router := gin.New()
	router.Use(
		RequestID(),
		Logger(h.log),
		Recovery(h.log),
		CORS(cfg.CORSOrigins),
		Timeout(cfg.RequestTimeout),
	)

	router.GET("/health", h.handleHealth)

	api := router.Group("/api/v1", h.auth.Middleware(), h.idempotency.Middleware())

	flows := api.Group("/flows")
	{
		flows.GET("", h.listFlows)
		flows.POST("", requireRole(cfg.AdminRole), h.saveFlow)
		flows.GET("/:code", h.getFlow)
		flows.PUT("/:code/enabled", requireRole(cfg.AdminRole), h.setFlowEnabled)
	}

	approvals := api.Group("/approvals")
	{
		approvals.POST("", h.submitApproval)
		approvals.GET("/pending", h.listPendingApprovals)
		approvals.GET("/biz/:bizType/:bizId", h.getApprovalByBiz)
		approvals.GET("/biz/:bizType/:bizId/history", h.getApprovalHistory)
		approvals.GET("/:id", h.getApproval)
		approvals.POST("/:id/decide", h.decideApproval)
		approvals.POST("/:id/cancel", h.cancelApproval)
	}

	assessments := api.Group("/assessments")
	{
		assessments.POST("", h.openAssessment)
		assessments.GET("/mine/pending", h.listMyPendingVerdicts)
		assessments.GET("/mine/history", h.listMyVerdictHistory)
		assessments.GET("/units/:unitId", h.getUnit)
		assessments.POST("/units/:unitId/verdicts", h.submitVerdict)
		assessments.POST("/units/:unitId/reassess", h.reassessUnit)
		assessments.GET("/:id", h.getAssessment)
		assessments.POST("/:id/assign", h.assignAssessors)
	}

	return router
}

func (h *HTTPHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ── Flows ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) listFlows(c *gin.Context) {
	flows, err := h.flows.List(c.Request.Context(), c.Query("bizType"), c.Query("enabled") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]FlowResponse, 0, len(flows))
	for _, f := range flows {
		out = append(out, toFlowResponse(f))
	}
	c.JSON(http.StatusOK, gin.H{"flows": out, "count": len(out)})
}

func (h *HTTPHandler) saveFlow(c *gin.Context) {
	var req service.SaveFlowRequest
	if !h.bind(c, &req) {
		return
	}
	flow, err := h.flows.Save(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlowResponse(flow))
}

func (h *HTTPHandler) getFlow(c *gin.Context) {
	flow, err := h.flows.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlowResponse(flow))
}

func (h *HTTPHandler) setFlowEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.bind(c, &req) {
		return
	}
	if req.Enabled == nil {
		h.writeError(c, errors.InvalidInput("enabled", "enabled is required"))
		return
	}
	code := c.Param("code")
	if err := h.flows.SetEnabled(c.Request.Context(), code, *req.Enabled); err != nil {
		h.writeError(c, err)
		return
	}
	flow, err := h.flows.Get(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlowResponse(flow))
}

// ── Approvals ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) submitApproval(c *gin.Context) {
	var req service.SubmitRequest
	if !h.bind(c, &req) {
		return
	}
	inst, err := h.approvals.Submit(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toInstanceResponse(inst))
}

func (h *HTTPHandler) getApproval(c *gin.Context) {
	details, err := h.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toInstanceDetailsResponse(details))
}

func (h *HTTPHandler) decideApproval(c *gin.Context) {
	var req service.DecideRequest
	if !h.bind(c, &req) {
		return
	}
	req.InstanceID = c.Param("id")
	inst, err := h.approvals.Decide(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

func (h *HTTPHandler) cancelApproval(c *gin.Context) {
	inst, err := h.approvals.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

func (h *HTTPHandler) listPendingApprovals(c *gin.Context) {
	items, err := h.approvals.ListPendingFor(c.Request.Context(), actorFrom(c), c.Query("bizType"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]PendingApprovalResponse, 0, len(items))
	for _, item := range items {
		out = append(out, PendingApprovalResponse{
			Instance: toInstanceResponse(item.Instance),
			Node:     item.Node,
			FlowName: item.FlowName,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "count": len(out)})
}

func (h *HTTPHandler) getApprovalByBiz(c *gin.Context) {
	details, err := h.approvals.GetByBiz(c.Request.Context(), c.Param("bizType"), c.Param("bizId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toInstanceDetailsResponse(details))
}

func (h *HTTPHandler) getApprovalHistory(c *gin.Context) {
	logs, err := h.approvals.History(c.Request.Context(), c.Param("bizType"), c.Param("bizId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": toLogResponses(logs)})
}

// ── Assessments ──────────────────────────────────────────────────────────────

func (h *HTTPHandler) openAssessment(c *gin.Context) {
	var req service.OpenRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.assessments.OpenRequest(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAssessmentRequestResponse(out))
}

func (h *HTTPHandler) getAssessment(c *gin.Context) {
	details, err := h.assessments.GetRequestDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssessmentDetailsResponse(details))
}

func (h *HTTPHandler) assignAssessors(c *gin.Context) {
	var req struct {
		Assignments []service.Assignment `json:"assignments"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.assessments.Assign(c.Request.Context(), c.Param("id"), req.Assignments, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssessmentRequestResponse(out))
}

func (h *HTTPHandler) getUnit(c *gin.Context) {
	details, err := h.assessments.GetUnitDetails(c.Request.Context(), c.Param("unitId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUnitDetailsResponse(details))
}

func (h *HTTPHandler) submitVerdict(c *gin.Context) {
	var req struct {
		Feasibility repository.Feasibility `json:"feasibility"`
		Note        string                 `json:"note"`
	}
	if !h.bind(c, &req) {
		return
	}
	unit, err := h.assessments.SubmitVerdict(c.Request.Context(), c.Param("unitId"), actorFrom(c), req.Feasibility, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUnitResponse(unit))
}

func (h *HTTPHandler) reassessUnit(c *gin.Context) {
	var req struct {
		Assessors  []service.Assessor          `json:"assessors"`
		Attributes *repository.UnitAttributes `json:"attributes"`
	}
	if !h.bind(c, &req) {
		return
	}
	unit, err := h.assessments.Reassess(c.Request.Context(), c.Param("unitId"), req.Assessors, req.Attributes, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUnitResponse(unit))
}

func (h *HTTPHandler) listMyPendingVerdicts(c *gin.Context) {
	verdicts, err := h.assessments.ListPendingFor(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": toVerdictResponses(verdicts), "count": len(verdicts)})
}

func (h *HTTPHandler) listMyVerdictHistory(c *gin.Context) {
	verdicts, err := h.assessments.ListHistoryFor(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": toVerdictResponses(verdicts), "count": len(verdicts)})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) bind(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.writeError(c, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// writeError maps an application error onto its HTTP status. Internal
// failures are logged and reported without detail.
func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	resp := ErrorResponse{Code: string(code), Status: status, Error: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Error = appErr.Message
		resp.Field = appErr.Field
	}
	if code == errors.ErrCodeInternal {
		h.log.Error().Err(err).
			Str("request_id", c.GetString(ctxRequestID)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		resp.Error = "internal server error"
	}
	c.AbortWithStatusJSON(status, resp)
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:  "role " + role + " is required",
				Code:   string(errors.ErrCodeForbidden),
				Status: http.StatusForbidden,
			})
			return
		}
		c.Next()
	}
}
