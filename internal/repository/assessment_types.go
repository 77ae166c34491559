package repository

import "time"

// ── Domain types for feasibility assessment ─────────────────────────────────

// Granularity selects whether a request is assessed as a whole or per item.
type Granularity string

const (
	GranularityCoarse Granularity = "coarse"
	GranularityFine   Granularity = "fine"
)

func (g Granularity) Valid() bool {
	return g == GranularityCoarse || g == GranularityFine
}

// RequestStatus is the assessment lifecycle of a request.
type RequestStatus string

const (
	RequestFollowing        RequestStatus = "following"
	RequestAssessing        RequestStatus = "assessing"
	RequestAssessmentPassed RequestStatus = "assessment_passed"
	RequestAssessmentFailed RequestStatus = "assessment_failed"
)

// UnitKind distinguishes the single whole-request unit from line items.
type UnitKind string

const (
	UnitKindRequest UnitKind = "request"
	UnitKindItem    UnitKind = "item"
)

// UnitStatus is the assessment state of one unit.
type UnitStatus string

const (
	UnitUnassigned UnitStatus = "unassigned"
	UnitAssessing  UnitStatus = "assessing"
	UnitPassed     UnitStatus = "passed"
	UnitFailed     UnitStatus = "failed"
)

// Feasibility is an assessor's verdict. The empty value marks an
// outstanding slot.
type Feasibility string

const (
	FeasibilityPending    Feasibility = ""
	FeasibilityFeasible   Feasibility = "feasible"
	FeasibilityDifficult  Feasibility = "difficult"
	FeasibilityInfeasible Feasibility = "infeasible"
)

// Valid reports whether f is a verdict an assessor may submit.
func (f Feasibility) Valid() bool {
	switch f {
	case FeasibilityFeasible, FeasibilityDifficult, FeasibilityInfeasible:
		return true
	}
	return false
}

// Counters summarise unit outcomes for a request. They are always
// recomputed from unit rows, never incremented.
type Counters struct {
	Total   int
	Passed  int
	Failed  int
	Pending int
}

// AssessmentRequest is the aggregate that owns assessable units.
type AssessmentRequest struct {
	ID          string
	Granularity Granularity
	Status      RequestStatus
	Counters    Counters
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UnitAttributes are the editable descriptors of a unit.
type UnitAttributes struct {
	SampleName   string `json:"sampleName,omitempty"`
	TestItemName string `json:"testItemName,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	Material     string `json:"material,omitempty"`
}

// AssessableUnit is the thing verdicts attach to: the whole request in
// coarse mode, one line item in fine mode.
type AssessableUnit struct {
	ID         string
	RequestID  string
	Kind       UnitKind
	Status     UnitStatus
	Round      int
	Attributes UnitAttributes
	SortOrder  int
	UpdatedAt  time.Time
}

// AssessmentVerdict is one assessor's slot in one round. It is created
// pending by assignment and filled exactly once.
type AssessmentVerdict struct {
	ID           string
	RequestID    string
	UnitID       string
	Round        int
	AssessorID   string
	AssessorName string
	Feasibility  Feasibility
	Note         string
	RequestedBy  string
	RequestedAt  time.Time
	SubmittedAt  *time.Time
	IsLatest     bool
}

// Submitted reports whether the assessor has filled the slot.
func (v *AssessmentVerdict) Submitted() bool {
	return v.SubmittedAt != nil
}
