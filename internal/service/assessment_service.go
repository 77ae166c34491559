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

// AssessmentService collects feasibility verdicts from assessor panels and
// aggregates them per unit and per request.
type AssessmentService struct {
	tx          Transactor
	requestRepo *repository.AssessmentRequestRepository
	verdictRepo *repository.AssessmentVerdictRepository
	log         *logger.Logger
	now         func() time.Time
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(
	tx Transactor,
	requestRepo *repository.AssessmentRequestRepository,
	verdictRepo *repository.AssessmentVerdictRepository,
	log *logger.Logger,
) *AssessmentService {
	return &AssessmentService{
		tx:          tx,
		requestRepo: requestRepo,
		verdictRepo: verdictRepo,
		log:         log,
		now:         time.Now,
	}
}

// OpenRequest registers a request for assessment.
type OpenRequest struct {
	ID          string                      `json:"id"`
	Granularity repository.Granularity      `json:"granularity"`
	Items       []repository.UnitAttributes `json:"items"`
}

// Assessor is one member of an assessor panel.
type Assessor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Assignment names the panel for one unit. In coarse mode UnitID may be
// left empty.
type Assignment struct {
	UnitID    string     `json:"unitId"`
	Assessors []Assessor `json:"assessors"`
}

// RoundDetails is one round of verdicts on a unit.
type RoundDetails struct {
	Round    int
	Verdicts []*repository.AssessmentVerdict
}

// UnitDetails is a unit with its verdict history, oldest round first.
type UnitDetails struct {
	Unit   *repository.AssessableUnit
	Rounds []*RoundDetails
}

// RequestDetails is a request with all of its units.
type RequestDetails struct {
	Request *repository.AssessmentRequest
	Units   []*UnitDetails
}

// Aggregate folds one round of verdict slots into a unit status. A single
// infeasible verdict fails the unit even while other slots are open. The
// unit passes once every slot is filled. An empty panel stays unassigned.
func Aggregate(verdicts []*repository.AssessmentVerdict) repository.UnitStatus {
	if len(verdicts) == 0 {
		return repository.UnitUnassigned
	}
	outstanding := false
	for _, v := range verdicts {
		if v.Feasibility == repository.FeasibilityInfeasible {
			return repository.UnitFailed
		}
		if !v.Submitted() {
			outstanding = true
		}
	}
	if outstanding {
		return repository.UnitAssessing
	}
	return repository.UnitPassed
}

// deriveRequestStatus maps recomputed counters to a request status. A
// request passes only once every unit has passed; units that were never
// assigned keep it in progress.
func deriveRequestStatus(c repository.Counters) repository.RequestStatus {
	switch {
	case c.Failed > 0:
		return repository.RequestAssessmentFailed
	case c.Total > 0 && c.Passed == c.Total:
		return repository.RequestAssessmentPassed
	case c.Passed+c.Pending == 0:
		return repository.RequestFollowing
	default:
		return repository.RequestAssessing
	}
}

// ── OpenRequest ──────────────────────────────────────────────────────────────

// OpenRequest creates a request in status following with its units.
func (s *AssessmentService) OpenRequest(ctx context.Context, in OpenRequest) (req *repository.AssessmentRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "assessment.OpenRequest", "request_id", in.ID)
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(in.ID) == "" {
		return nil, errors.InvalidInput("id", "request id is required")
	}
	if !in.Granularity.Valid() {
		return nil, errors.InvalidInput("granularity", fmt.Sprintf("unknown granularity %q", in.Granularity))
	}

	now := s.now().UTC()
	req = &repository.AssessmentRequest{
		ID:          in.ID,
		Granularity: in.Granularity,
		Status:      repository.RequestFollowing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var units []*repository.AssessableUnit
	switch in.Granularity {
	case repository.GranularityCoarse:
		if len(in.Items) > 0 {
			return nil, errors.InvalidInput("items", "a coarse request is assessed as a whole and takes no items")
		}
		units = append(units, &repository.AssessableUnit{
			ID:        in.ID,
			Kind:      repository.UnitKindRequest,
			Status:    repository.UnitUnassigned,
			UpdatedAt: now,
		})
	case repository.GranularityFine:
		if len(in.Items) == 0 {
			return nil, errors.InvalidInput("items", "fine-grained assessment needs at least one item")
		}
		for i, attrs := range in.Items {
			units = append(units, &repository.AssessableUnit{
				ID:         uuid.NewString(),
				Kind:       repository.UnitKindItem,
				Status:     repository.UnitUnassigned,
				Attributes: attrs,
				SortOrder:  i + 1,
				UpdatedAt:  now,
			})
		}
	}

	req.Counters = repository.Counters{Total: len(units)}
	if err := s.requestRepo.Create(ctx, req, units); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("granularity", string(req.Granularity)).
		Int("units", len(units)).
		Msg("Assessment request opened")

	return req, nil
}

// ── Assign ───────────────────────────────────────────────────────────────────

// Assign opens a verdict round on each named unit with the given panel. In
// fine mode any unassigned unit may be assigned whatever the request status,
// so items left out of an earlier batch can still be assessed.
func (s *AssessmentService) Assign(ctx context.Context, requestID string, assignments []Assignment, actor Actor) (req *repository.AssessmentRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "assessment.Assign", "request_id", requestID)
	defer func() { telemetry.End(span, err) }()

	if len(assignments) == 0 {
		return nil, errors.InvalidInput("assignments", "at least one assignment is required")
	}
	for _, a := range assignments {
		if err := validatePanel(a.Assessors); err != nil {
			return nil, err
		}
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		req, err = s.requestRepo.GetByID(ctx, requestID, true)
		if err != nil {
			return err
		}

		if req.Granularity == repository.GranularityCoarse {
			if len(assignments) != 1 {
				return errors.InvalidInput("assignments", "a coarse request takes exactly one assignment")
			}
			if id := assignments[0].UnitID; id != "" && id != req.ID {
				return errors.InvalidInput("unitId", "a coarse request is assessed as a whole")
			}
			switch req.Status {
			case repository.RequestFollowing:
			case repository.RequestAssessing:
				return errors.AlreadyInProgress("assessment_request", req.ID, string(req.Status))
			default:
				return errors.NotPending("assessment_request", req.ID, string(req.Status))
			}
			assignments = []Assignment{{UnitID: req.ID, Assessors: assignments[0].Assessors}}
		}

		now := s.now().UTC()
		seen := make(map[string]bool, len(assignments))
		for _, a := range assignments {
			if seen[a.UnitID] {
				return errors.InvalidInput("unitId", fmt.Sprintf("unit %q is assigned twice", a.UnitID))
			}
			seen[a.UnitID] = true

			unit, err := s.requestRepo.GetUnit(ctx, a.UnitID, true)
			if err != nil {
				return err
			}
			if unit.RequestID != req.ID {
				return errors.NotFound("assessment_unit", a.UnitID)
			}
			if unit.Status != repository.UnitUnassigned {
				return errors.AlreadyInProgress("assessment_unit", unit.ID, string(unit.Status))
			}
			if err := s.openRound(ctx, req, unit, a.Assessors, actor, now); err != nil {
				return err
			}
		}

		return s.refreshRequest(ctx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Int("units", len(assignments)).
		Str("assigned_by", actor.ID).
		Msg("Assessors assigned")

	return req, nil
}

// ── SubmitVerdict ────────────────────────────────────────────────────────────

// SubmitVerdict fills the actor's slot in the unit's current round and
// re-aggregates the unit and its request.
func (s *AssessmentService) SubmitVerdict(
	ctx context.Context,
	unitID string,
	actor Actor,
	feasibility repository.Feasibility,
	note string,
) (unit *repository.AssessableUnit, err error) {
	ctx, span := telemetry.StartSpan(ctx, "assessment.SubmitVerdict", "unit_id", unitID, "feasibility", string(feasibility))
	defer func() { telemetry.End(span, err) }()

	if !feasibility.Valid() {
		return nil, errors.InvalidInput("feasibility", fmt.Sprintf("unknown feasibility %q", feasibility))
	}
	if actor.ID == "" {
		return nil, errors.Forbidden("an assessor identity is required")
	}

	var req *repository.AssessmentRequest
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		// Lock order is request, then unit.
		peek, err := s.requestRepo.GetUnit(ctx, unitID, false)
		if err != nil {
			return err
		}
		if req, err = s.requestRepo.GetByID(ctx, peek.RequestID, true); err != nil {
			return err
		}
		if unit, err = s.requestRepo.GetUnit(ctx, unitID, true); err != nil {
			return err
		}

		slot, err := s.verdictRepo.GetSlot(ctx, unit.ID, actor.ID, unit.Round)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeNotFound) {
				return errors.Forbidden(fmt.Sprintf("actor %q is not an assessor of unit %q", actor.ID, unit.ID))
			}
			return err
		}
		if slot.Submitted() {
			return errors.Forbidden("verdict has already been submitted")
		}

		now := s.now().UTC()
		slot.Feasibility = feasibility
		slot.Note = note
		slot.SubmittedAt = &now
		if err := s.verdictRepo.Fill(ctx, slot); err != nil {
			return err
		}

		if unit.Status == repository.UnitAssessing {
			round, err := s.verdictRepo.ListByRound(ctx, unit.ID, unit.Round)
			if err != nil {
				return err
			}
			if next := Aggregate(round); next != unit.Status {
				unit.Status = next
				unit.UpdatedAt = now
				if err := s.requestRepo.UpdateUnit(ctx, unit); err != nil {
					return err
				}
			}
		}

		return s.refreshRequest(ctx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("unit_id", unit.ID).
		Str("request_id", unit.RequestID).
		Int("round", unit.Round).
		Str("assessor_id", actor.ID).
		Str("feasibility", string(feasibility)).
		Str("unit_status", string(unit.Status)).
		Str("request_status", string(req.Status)).
		Msg("Verdict submitted")

	return unit, nil
}

// ── Reassess ─────────────────────────────────────────────────────────────────

// Reassess opens a new round on a failed unit, optionally correcting its
// attributes first. Earlier rounds stay as history.
func (s *AssessmentService) Reassess(
	ctx context.Context,
	unitID string,
	assessors []Assessor,
	attrs *repository.UnitAttributes,
	actor Actor,
) (unit *repository.AssessableUnit, err error) {
	ctx, span := telemetry.StartSpan(ctx, "assessment.Reassess", "unit_id", unitID)
	defer func() { telemetry.End(span, err) }()

	if err := validatePanel(assessors); err != nil {
		return nil, err
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		peek, err := s.requestRepo.GetUnit(ctx, unitID, false)
		if err != nil {
			return err
		}
		req, err := s.requestRepo.GetByID(ctx, peek.RequestID, true)
		if err != nil {
			return err
		}
		if unit, err = s.requestRepo.GetUnit(ctx, unitID, true); err != nil {
			return err
		}
		if unit.Status != repository.UnitFailed {
			return errors.NotPending("assessment_unit", unit.ID, string(unit.Status))
		}

		if attrs != nil {
			unit.Attributes = *attrs
		}
		now := s.now().UTC()
		if err := s.openRound(ctx, req, unit, assessors, actor, now); err != nil {
			return err
		}
		return s.refreshRequest(ctx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("unit_id", unit.ID).
		Str("request_id", unit.RequestID).
		Int("round", unit.Round).
		Int("assessors", len(assessors)).
		Str("requested_by", actor.ID).
		Msg("Reassessment started")

	return unit, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetRequestDetails returns a request with every unit and round.
func (s *AssessmentService) GetRequestDetails(ctx context.Context, requestID string) (*RequestDetails, error) {
	req, err := s.requestRepo.GetByID(ctx, requestID, false)
	if err != nil {
		return nil, err
	}
	units, err := s.requestRepo.ListUnits(ctx, requestID)
	if err != nil {
		return nil, err
	}
	verdicts, err := s.verdictRepo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	byUnit := make(map[string][]*repository.AssessmentVerdict, len(units))
	for _, v := range verdicts {
		byUnit[v.UnitID] = append(byUnit[v.UnitID], v)
	}

	details := &RequestDetails{Request: req, Units: make([]*UnitDetails, 0, len(units))}
	for _, u := range units {
		details.Units = append(details.Units, &UnitDetails{Unit: u, Rounds: groupRounds(byUnit[u.ID])})
	}
	return details, nil
}

// GetUnitDetails returns one unit with its verdict history.
func (s *AssessmentService) GetUnitDetails(ctx context.Context, unitID string) (*UnitDetails, error) {
	unit, err := s.requestRepo.GetUnit(ctx, unitID, false)
	if err != nil {
		return nil, err
	}
	verdicts, err := s.verdictRepo.ListByUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return &UnitDetails{Unit: unit, Rounds: groupRounds(verdicts)}, nil
}

// ListPendingFor returns the actor's open slots on rounds still in progress.
func (s *AssessmentService) ListPendingFor(ctx context.Context, actor Actor) ([]*repository.AssessmentVerdict, error) {
	if actor.ID == "" {
		return []*repository.AssessmentVerdict{}, nil
	}
	out, err := s.verdictRepo.ListPendingForAssessor(ctx, actor.ID)
	if out == nil && err == nil {
		out = []*repository.AssessmentVerdict{}
	}
	return out, err
}

// ListHistoryFor returns the verdicts the actor has submitted, newest first.
func (s *AssessmentService) ListHistoryFor(ctx context.Context, actor Actor) ([]*repository.AssessmentVerdict, error) {
	if actor.ID == "" {
		return []*repository.AssessmentVerdict{}, nil
	}
	out, err := s.verdictRepo.ListSubmittedByAssessor(ctx, actor.ID)
	if out == nil && err == nil {
		out = []*repository.AssessmentVerdict{}
	}
	return out, err
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func validatePanel(assessors []Assessor) error {
	if len(assessors) == 0 {
		return errors.InvalidInput("assessors", "at least one assessor is required")
	}
	seen := make(map[string]bool, len(assessors))
	for _, a := range assessors {
		if strings.TrimSpace(a.ID) == "" {
			return errors.InvalidInput("assessors", "assessor id is required")
		}
		if seen[a.ID] {
			return errors.InvalidInput("assessors", fmt.Sprintf("assessor %q is listed twice", a.ID))
		}
		seen[a.ID] = true
	}
	return nil
}

// openRound creates pending slots for the next round of unit and moves the
// unit to assessing. The caller holds the request and unit locks.
func (s *AssessmentService) openRound(
	ctx context.Context,
	req *repository.AssessmentRequest,
	unit *repository.AssessableUnit,
	assessors []Assessor,
	actor Actor,
	now time.Time,
) error {
	maxRound, err := s.verdictRepo.MaxRound(ctx, unit.ID)
	if err != nil {
		return err
	}
	round := max(unit.Round, maxRound) + 1

	if err := s.verdictRepo.ClearLatest(ctx, unit.ID); err != nil {
		return err
	}

	slots := make([]*repository.AssessmentVerdict, 0, len(assessors))
	for _, a := range assessors {
		slots = append(slots, &repository.AssessmentVerdict{
			ID:           uuid.NewString(),
			RequestID:    req.ID,
			UnitID:       unit.ID,
			Round:        round,
			AssessorID:   a.ID,
			AssessorName: a.Name,
			Feasibility:  repository.FeasibilityPending,
			RequestedBy:  actor.ID,
			RequestedAt:  now,
			IsLatest:     true,
		})
	}
	if err := s.verdictRepo.CreateSlots(ctx, slots); err != nil {
		return err
	}

	unit.Round = round
	unit.Status = repository.UnitAssessing
	unit.UpdatedAt = now
	return s.requestRepo.UpdateUnit(ctx, unit)
}

// refreshRequest recomputes counters from unit rows and re-derives the
// request status.
func (s *AssessmentService) refreshRequest(ctx context.Context, req *repository.AssessmentRequest, now time.Time) error {
	counters, err := s.requestRepo.CountUnits(ctx, req.ID)
	if err != nil {
		return err
	}
	req.Counters = counters
	req.Status = deriveRequestStatus(counters)
	req.UpdatedAt = now
	return s.requestRepo.UpdateStatus(ctx, req)
}

func groupRounds(verdicts []*repository.AssessmentVerdict) []*RoundDetails {
	rounds := make([]*RoundDetails, 0)
	for _, v := range verdicts {
		if n := len(rounds); n == 0 || rounds[n-1].Round != v.Round {
			rounds = append(rounds, &RoundDetails{Round: v.Round})
		}
		last := rounds[len(rounds)-1]
		last.Verdicts = append(last.Verdicts, v)
	}
	return rounds
}
