package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-lims-workflow/internal/platform/telemetry"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
)

// Transactor runs fn inside one store transaction carried by ctx.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ApprovalService drives approval instances through their flow. Every
// mutation updates the instance, appends its record and log entries and
// projects the business status inside one transaction.
type ApprovalService struct {
	tx           Transactor
	flowRepo     *repository.ApprovalFlowRepository
	instanceRepo *repository.ApprovalInstanceRepository
	recordRepo   *repository.ApprovalRecordRepository
	logRepo      *repository.ApprovalLogRepository
	resolver     *PermissionResolver
	projector    StatusProjector
	log          *logger.Logger
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	tx Transactor,
	flowRepo *repository.ApprovalFlowRepository,
	instanceRepo *repository.ApprovalInstanceRepository,
	recordRepo *repository.ApprovalRecordRepository,
	logRepo *repository.ApprovalLogRepository,
	resolver *PermissionResolver,
	projector StatusProjector,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		tx:           tx,
		flowRepo:     flowRepo,
		instanceRepo: instanceRepo,
		recordRepo:   recordRepo,
		logRepo:      logRepo,
		resolver:     resolver,
		projector:    projector,
		log:          log,
		now:          time.Now,
	}
}

// SubmitRequest starts approval of a business entity. An empty FlowCode
// selects the only enabled flow for BizType.
type SubmitRequest struct {
	BizType  string `json:"bizType"`
	BizID    string `json:"bizId"`
	FlowCode string `json:"flowCode"`
}

// DecideRequest is an approver's decision on the current node.
type DecideRequest struct {
	InstanceID string                    `json:"-"`
	Action     repository.DecisionAction `json:"action"`
	Comment    string                    `json:"comment"`
}

// InstanceDetails is an instance with its decision records.
type InstanceDetails struct {
	Instance *repository.ApprovalInstance `json:"instance"`
	Records  []*repository.ApprovalRecord `json:"records"`
}

// PendingItem is an instance awaiting a decision the actor may make.
type PendingItem struct {
	Instance *repository.ApprovalInstance `json:"instance"`
	Node     repository.FlowNode          `json:"node"`
	FlowName string                       `json:"flowName"`
}

// ── Submit ───────────────────────────────────────────────────────────────────

// Submit creates a pending instance at step 1.
func (s *ApprovalService) Submit(ctx context.Context, req SubmitRequest, actor Actor) (inst *repository.ApprovalInstance, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Submit", "biz_type", req.BizType, "biz_id", req.BizID)
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(req.BizType) == "" {
		return nil, errors.InvalidInput("bizType", "business type is required")
	}
	if strings.TrimSpace(req.BizID) == "" {
		return nil, errors.InvalidInput("bizId", "business id is required")
	}
	if actor.ID == "" {
		return nil, errors.InvalidInput("actor", "submitter identity is required")
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		flow, err := s.resolveFlow(ctx, req)
		if err != nil {
			return err
		}

		existing, err := s.instanceRepo.GetActiveByBiz(ctx, req.BizType, req.BizID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.AlreadyInProgress("approval", req.BizType+"/"+req.BizID, string(existing.Status))
		}

		now := s.now().UTC()
		inst = &repository.ApprovalInstance{
			ID:            uuid.NewString(),
			BizType:       req.BizType,
			BizID:         req.BizID,
			FlowCode:      flow.Code,
			CurrentStep:   1,
			Status:        repository.StatusPending,
			SubmitterID:   actor.ID,
			SubmitterName: actor.Name,
			SubmittedAt:   now,
			UpdatedAt:     now,
		}
		if err := s.instanceRepo.Create(ctx, inst); err != nil {
			return err
		}

		if err := s.appendLog(ctx, inst, repository.LogSubmit, actor, "", now); err != nil {
			return err
		}

		first, _ := flow.NodeAt(1)
		return s.project(ctx, inst, first.ResultLabel)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("biz_type", inst.BizType).
		Str("biz_id", inst.BizID).
		Str("flow_code", inst.FlowCode).
		Str("submitted_by", actor.ID).
		Msg("Approval submitted")

	return inst, nil
}

// resolveFlow loads the flow a submission runs on and checks that it can
// start an instance.
func (s *ApprovalService) resolveFlow(ctx context.Context, req SubmitRequest) (*repository.FlowDefinition, error) {
	var flow *repository.FlowDefinition
	if req.FlowCode == "" {
		flows, err := s.flowRepo.List(ctx, req.BizType, true)
		if err != nil {
			return nil, err
		}
		switch len(flows) {
		case 0:
			return nil, errors.NotFound("approval_flow", req.BizType)
		case 1:
			flow = flows[0]
		default:
			return nil, errors.InvalidInput("flowCode",
				fmt.Sprintf("business type %q has %d enabled flows, flowCode is required", req.BizType, len(flows)))
		}
	} else {
		var err error
		if flow, err = s.flowRepo.GetByCode(ctx, req.FlowCode); err != nil {
			return nil, err
		}
	}

	if flow.BizType != req.BizType {
		return nil, errors.InvalidInput("flowCode",
			fmt.Sprintf("approval flow %q is for %q, not %q", flow.Code, flow.BizType, req.BizType))
	}
	if !flow.Enabled {
		return nil, errors.ConfigError(fmt.Sprintf("approval flow %q is disabled", flow.Code))
	}
	if len(flow.Nodes) == 0 {
		return nil, errors.ConfigError(fmt.Sprintf("approval flow %q has no nodes", flow.Code))
	}
	return flow, nil
}

// ── Decide ───────────────────────────────────────────────────────────────────

// Decide applies approve or reject at the instance's current node. Approve
// advances to the next node or, on the last node, approves the instance.
// Reject ends the instance. Nodes are resolved against the flow as it is
// now, not as it was at submission.
func (s *ApprovalService) Decide(ctx context.Context, req DecideRequest, actor Actor) (inst *repository.ApprovalInstance, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Decide", "instance_id", req.InstanceID, "action", string(req.Action))
	defer func() { telemetry.End(span, err) }()

	switch req.Action {
	case repository.ActionApprove:
	case repository.ActionReject:
		if strings.TrimSpace(req.Comment) == "" {
			return nil, errors.InvalidInput("comment", "a comment is required to reject")
		}
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}

	var decidedStep int
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err = s.instanceRepo.GetByID(ctx, req.InstanceID, true)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusPending {
			return errors.NotPending("approval_instance", inst.ID, string(inst.Status))
		}

		flow, node, err := s.currentNode(ctx, inst)
		if err != nil {
			return err
		}
		if !s.resolver.Authorize(node, actor) {
			return errors.Forbidden(fmt.Sprintf("actor %q may not act on step %d of approval %q", actor.ID, inst.CurrentStep, inst.ID))
		}

		now := s.now().UTC()
		decidedStep = inst.CurrentStep
		record := &repository.ApprovalRecord{
			ID:             uuid.NewString(),
			InstanceID:     inst.ID,
			Step:           inst.CurrentStep,
			NodeKind:       node.Kind,
			NodeTarget:     node.Target,
			NodeTargetName: node.TargetName,
			NodeLabel:      node.Name,
			FlowVersion:    flow.Version,
			ActorID:        actor.ID,
			ActorName:      actor.Name,
			Action:         req.Action,
			Comment:        req.Comment,
			ActedAt:        now,
		}
		if err := s.recordRepo.Append(ctx, record); err != nil {
			return err
		}

		var (
			logAction = repository.LogReject
			nextLabel string
		)
		if req.Action == repository.ActionApprove {
			logAction = repository.LogApprove
			if next, ok := flow.NodeAt(inst.CurrentStep + 1); ok {
				inst.CurrentStep = next.Step
				nextLabel = next.ResultLabel
			} else {
				inst.Status = repository.StatusApproved
				inst.CompletedAt = &now
			}
		} else {
			inst.Status = repository.StatusRejected
			inst.CompletedAt = &now
		}
		inst.UpdatedAt = now

		if err := s.instanceRepo.Update(ctx, inst); err != nil {
			return err
		}
		if err := s.appendLog(ctx, inst, logAction, actor, req.Comment, now); err != nil {
			return err
		}
		return s.project(ctx, inst, nextLabel)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("action", string(req.Action)).
		Int("step", decidedStep).
		Str("status", string(inst.Status)).
		Str("actor_id", actor.ID).
		Msg("Approval decided")

	return inst, nil
}

// currentNode resolves the node an instance is waiting on. A missing flow
// or node means the flow was edited under a live instance.
func (s *ApprovalService) currentNode(ctx context.Context, inst *repository.ApprovalInstance) (*repository.FlowDefinition, repository.FlowNode, error) {
	flow, err := s.flowRepo.GetByCode(ctx, inst.FlowCode)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, repository.FlowNode{}, errors.ConfigError(
				fmt.Sprintf("approval flow %q of instance %q no longer exists", inst.FlowCode, inst.ID))
		}
		return nil, repository.FlowNode{}, err
	}
	node, ok := flow.NodeAt(inst.CurrentStep)
	if !ok {
		return nil, repository.FlowNode{}, errors.ConfigError(
			fmt.Sprintf("approval flow %q has no node for step %d", flow.Code, inst.CurrentStep))
	}
	return flow, node, nil
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// Cancel withdraws a pending instance. Only the submitter may cancel; the
// admin bypass does not apply.
func (s *ApprovalService) Cancel(ctx context.Context, instanceID string, actor Actor) (inst *repository.ApprovalInstance, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Cancel", "instance_id", instanceID)
	defer func() { telemetry.End(span, err) }()

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err = s.instanceRepo.GetByID(ctx, instanceID, true)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusPending {
			return errors.NotPending("approval_instance", inst.ID, string(inst.Status))
		}
		if actor.ID == "" || actor.ID != inst.SubmitterID {
			return errors.Forbidden("only the submitter can cancel the approval")
		}

		now := s.now().UTC()
		inst.Status = repository.StatusCancelled
		inst.CompletedAt = &now
		inst.UpdatedAt = now

		if err := s.instanceRepo.Update(ctx, inst); err != nil {
			return err
		}
		if err := s.appendLog(ctx, inst, repository.LogCancel, actor, "", now); err != nil {
			return err
		}
		return s.project(ctx, inst, "")
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", actor.ID).
		Msg("Approval cancelled")

	return inst, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Get returns an instance and its records.
func (s *ApprovalService) Get(ctx context.Context, instanceID string) (*InstanceDetails, error) {
	inst, err := s.instanceRepo.GetByID(ctx, instanceID, false)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, inst)
}

// GetByBiz returns the most recent instance for a business entity.
func (s *ApprovalService) GetByBiz(ctx context.Context, bizType, bizID string) (*InstanceDetails, error) {
	inst, err := s.instanceRepo.GetLatestByBiz(ctx, bizType, bizID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.NotFound("approval", bizType+"/"+bizID)
	}
	return s.details(ctx, inst)
}

// History returns a business entity's operation log, oldest first.
func (s *ApprovalService) History(ctx context.Context, bizType, bizID string) ([]*repository.ApprovalLog, error) {
	return s.logRepo.ListByBiz(ctx, bizType, bizID)
}

// ListPendingFor returns pending instances whose current node the actor may
// act on, using the same rule as Decide. Instances whose flow or node cannot
// be resolved are skipped and logged.
func (s *ApprovalService) ListPendingFor(ctx context.Context, actor Actor, bizType string) ([]*PendingItem, error) {
	pending, err := s.instanceRepo.ListPending(ctx, bizType)
	if err != nil {
		return nil, err
	}

	flows := make(map[string]*repository.FlowDefinition)
	items := make([]*PendingItem, 0)
	for _, inst := range pending {
		flow, ok := flows[inst.FlowCode]
		if !ok {
			flow, err = s.flowRepo.GetByCode(ctx, inst.FlowCode)
			if err != nil {
				if errors.HasCode(err, errors.ErrCodeInternal) {
					return nil, err
				}
				s.log.Warn().Err(err).Str("instance_id", inst.ID).Str("flow_code", inst.FlowCode).
					Msg("Skipping pending approval with unresolvable flow")
				flow = nil
			}
			flows[inst.FlowCode] = flow
		}
		if flow == nil {
			continue
		}

		node, ok := flow.NodeAt(inst.CurrentStep)
		if !ok {
			s.log.Warn().Str("instance_id", inst.ID).Int("step", inst.CurrentStep).
				Msg("Skipping pending approval with no node for current step")
			continue
		}
		if s.resolver.Authorize(node, actor) {
			items = append(items, &PendingItem{Instance: inst, Node: node, FlowName: flow.Name})
		}
	}
	return items, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *ApprovalService) details(ctx context.Context, inst *repository.ApprovalInstance) (*InstanceDetails, error) {
	records, err := s.recordRepo.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*repository.ApprovalRecord{}
	}
	return &InstanceDetails{Instance: inst, Records: records}, nil
}

func (s *ApprovalService) appendLog(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	action repository.LogAction,
	actor Actor,
	comment string,
	at time.Time,
) error {
	return s.logRepo.Append(ctx, &repository.ApprovalLog{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		BizType:      inst.BizType,
		BizID:        inst.BizID,
		Action:       action,
		OperatorID:   actor.ID,
		OperatorName: actor.Name,
		Comment:      comment,
		CreatedAt:    at,
	})
}

func (s *ApprovalService) project(ctx context.Context, inst *repository.ApprovalInstance, nodeLabel string) error {
	err := s.projector.Project(ctx, Projection{
		BizType:    inst.BizType,
		BizID:      inst.BizID,
		InstanceID: inst.ID,
		Step:       inst.CurrentStep,
		Outcome:    inst.Status,
		NodeLabel:  nodeLabel,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to project business status")
	}
	return nil
}
