package handler

import (
	"time"

	"github.com/pesio-ai/be-lims-workflow/internal/repository"
	"github.com/pesio-ai/be-lims-workflow/internal/service"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
	Status int    `json:"status"`
}

type FlowResponse struct {
	Code        string                `json:"code"`
	Name        string                `json:"name"`
	BizType     string                `json:"bizType"`
	Description string                `json:"description,omitempty"`
	Nodes       []repository.FlowNode `json:"nodes"`
	Enabled     bool                  `json:"enabled"`
	Version     int                   `json:"version"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

func toFlowResponse(f *repository.FlowDefinition) FlowResponse {
	return FlowResponse{
		Code:        f.Code,
		Name:        f.Name,
		BizType:     f.BizType,
		Description: f.Description,
		Nodes:       f.Nodes,
		Enabled:     f.Enabled,
		Version:     f.Version,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

type InstanceResponse struct {
	ID            string     `json:"id"`
	BizType       string     `json:"bizType"`
	BizID         string     `json:"bizId"`
	FlowCode      string     `json:"flowCode"`
	CurrentStep   int        `json:"currentStep"`
	Status        string     `json:"status"`
	SubmitterID   string     `json:"submitterId"`
	SubmitterName string     `json:"submitterName,omitempty"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toInstanceResponse(i *repository.ApprovalInstance) InstanceResponse {
	return InstanceResponse{
		ID:            i.ID,
		BizType:       i.BizType,
		BizID:         i.BizID,
		FlowCode:      i.FlowCode,
		CurrentStep:   i.CurrentStep,
		Status:        string(i.Status),
		SubmitterID:   i.SubmitterID,
		SubmitterName: i.SubmitterName,
		SubmittedAt:   i.SubmittedAt,
		CompletedAt:   i.CompletedAt,
		UpdatedAt:     i.UpdatedAt,
	}
}

type RecordResponse struct {
	ID             string    `json:"id"`
	Step           int       `json:"step"`
	NodeKind       string    `json:"nodeKind"`
	NodeTarget     string    `json:"nodeTarget"`
	NodeTargetName string    `json:"nodeTargetName,omitempty"`
	NodeLabel      string    `json:"nodeLabel,omitempty"`
	FlowVersion    int       `json:"flowVersion"`
	ActorID        string    `json:"actorId"`
	ActorName      string    `json:"actorName,omitempty"`
	Action         string    `json:"action"`
	Comment        string    `json:"comment,omitempty"`
	ActedAt        time.Time `json:"actedAt"`
}

type InstanceDetailsResponse struct {
	Instance InstanceResponse `json:"instance"`
	Records  []RecordResponse `json:"records"`
}

func toInstanceDetailsResponse(d *service.InstanceDetails) InstanceDetailsResponse {
	out := InstanceDetailsResponse{
		Instance: toInstanceResponse(d.Instance),
		Records:  make([]RecordResponse, 0, len(d.Records)),
	}
	for _, r := range d.Records {
		out.Records = append(out.Records, RecordResponse{
			ID:             r.ID,
			Step:           r.Step,
			NodeKind:       string(r.NodeKind),
			NodeTarget:     r.NodeTarget,
			NodeTargetName: r.NodeTargetName,
			NodeLabel:      r.NodeLabel,
			FlowVersion:    r.FlowVersion,
			ActorID:        r.ActorID,
			ActorName:      r.ActorName,
			Action:         string(r.Action),
			Comment:        r.Comment,
			ActedAt:        r.ActedAt,
		})
	}
	return out
}

type LogResponse struct {
	Seq          int       `json:"seq"`
	InstanceID   string    `json:"instanceId"`
	Action       string    `json:"action"`
	OperatorID   string    `json:"operatorId"`
	OperatorName string    `json:"operatorName,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toLogResponses(logs []*repository.ApprovalLog) []LogResponse {
	out := make([]LogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogResponse{
			Seq:          l.Seq,
			InstanceID:   l.InstanceID,
			Action:       string(l.Action),
			OperatorID:   l.OperatorID,
			OperatorName: l.OperatorName,
			Comment:      l.Comment,
			CreatedAt:    l.CreatedAt,
		})
	}
	return out
}

type PendingApprovalResponse struct {
	Instance InstanceResponse    `json:"instance"`
	Node     repository.FlowNode `json:"node"`
	FlowName string              `json:"flowName"`
}

// ── Assessments ──────────────────────────────────────────────────────────────

type CountersResponse struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

type AssessmentRequestResponse struct {
	ID          string           `json:"id"`
	Granularity string           `json:"granularity"`
	Status      string           `json:"status"`
	Counters    CountersResponse `json:"counters"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func toAssessmentRequestResponse(r *repository.AssessmentRequest) AssessmentRequestResponse {
	return AssessmentRequestResponse{
		ID:          r.ID,
		Granularity: string(r.Granularity),
		Status:      string(r.Status),
		Counters: CountersResponse{
			Total:   r.Counters.Total,
			Passed:  r.Counters.Passed,
			Failed:  r.Counters.Failed,
			Pending: r.Counters.Pending,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type UnitResponse struct {
	ID         string                    `json:"id"`
	RequestID  string                    `json:"requestId"`
	Kind       string                    `json:"kind"`
	Status     string                    `json:"status"`
	Round      int                       `json:"round"`
	Attributes repository.UnitAttributes `json:"attributes"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

func toUnitResponse(u *repository.AssessableUnit) UnitResponse {
	return UnitResponse{
		ID:         u.ID,
		RequestID:  u.RequestID,
		Kind:       string(u.Kind),
		Status:     string(u.Status),
		Round:      u.Round,
		Attributes: u.Attributes,
		UpdatedAt:  u.UpdatedAt,
	}
}

type VerdictResponse struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	UnitID       string     `json:"unitId"`
	Round        int        `json:"round"`
	AssessorID   string     `json:"assessorId"`
	AssessorName string     `json:"assessorName,omitempty"`
	Feasibility  string     `json:"feasibility,omitempty"`
	Note         string     `json:"note,omitempty"`
	RequestedBy  string     `json:"requestedBy"`
	RequestedAt  time.Time  `json:"requestedAt"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
	IsLatest     bool       `json:"isLatest"`
}

func toVerdictResponses(vs []*repository.AssessmentVerdict) []VerdictResponse {
	out := make([]VerdictResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, VerdictResponse{
			ID:           v.ID,
			RequestID:    v.RequestID,
			UnitID:       v.UnitID,
			Round:        v.Round,
			AssessorID:   v.AssessorID,
			AssessorName: v.AssessorName,
			Feasibility:  string(v.Feasibility),
			Note:         v.Note,
			RequestedBy:  v.RequestedBy,
			RequestedAt:  v.RequestedAt,
			SubmittedAt:  v.SubmittedAt,
			IsLatest:     v.IsLatest,
		})
	}
	return out
}

type RoundResponse struct {
	Round    int               `json:"round"`
	Verdicts []VerdictResponse `json:"verdicts"`
}

type UnitDetailsResponse struct {
	UnitResponse
	Rounds []RoundResponse `json:"rounds"`
}

func toUnitDetailsResponse(d *service.UnitDetails) UnitDetailsResponse {
	out := UnitDetailsResponse{
		UnitResponse: toUnitResponse(d.Unit),
		Rounds:       make([]RoundResponse, 0, len(d.Rounds)),
	}
	for _, r := range d.Rounds {
		out.Rounds = append(out.Rounds, RoundResponse{Round: r.Round, Verdicts: toVerdictResponses(r.Verdicts)})
	}
	return out
}

type AssessmentDetailsResponse struct {
	AssessmentRequestResponse
	Units []UnitDetailsResponse `json:"units"`
}

func toAssessmentDetailsResponse(d *service.RequestDetails) AssessmentDetailsResponse {
	out := AssessmentDetailsResponse{
		AssessmentRequestResponse: toAssessmentRequestResponse(d.Request),
		Units:                     make([]UnitDetailsResponse, 0, len(d.Units)),
	}
	for _, u := range d.Units {
		out.Units = append(out.Units, toUnitDetailsResponse(u))
	}
	return out
}
