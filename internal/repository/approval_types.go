package repository

import "time"

// ── Domain types for approval flows ─────────────────────────────────────────

// NodeKind selects how a flow node's target is matched against an actor.
type NodeKind string

const (
	NodeKindRole       NodeKind = "role"
	NodeKindUser       NodeKind = "user"
	NodeKindDepartment NodeKind = "department"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindRole, NodeKindUser, NodeKindDepartment:
		return true
	}
	return false
}

// FlowNode is one entry in a flow's nodes JSON array.
type FlowNode struct {
	Step       int      `json:"step" yaml:"step"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Kind       NodeKind `json:"kind" yaml:"kind"`
	Target     string   `json:"target" yaml:"target"`
	TargetName string   `json:"targetName,omitempty" yaml:"targetName"`
	// ResultLabel is the business-facing status while this node is pending.
	ResultLabel string `json:"resultLabel,omitempty" yaml:"resultLabel"`
}

// FlowDefinition is a named, versioned approval flow for one business type.
type FlowDefinition struct {
	Code        string
	Name        string
	BizType     string
	Description string
	Nodes       []FlowNode // ordered by Step, steps are 1..len(Nodes)
	Enabled     bool
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NodeAt returns the node for step, or false when the flow has none.
func (f *FlowDefinition) NodeAt(step int) (FlowNode, bool) {
	for _, n := range f.Nodes {
		if n.Step == step {
			return n, true
		}
	}
	return FlowNode{}, false
}

// ApprovalStatus is the lifecycle state of an approval instance.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusCancelled ApprovalStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ApprovalInstance is one run of a flow for one business entity.
type ApprovalInstance struct {
	ID            string
	BizType       string
	BizID         string
	FlowCode      string
	CurrentStep   int
	Status        ApprovalStatus
	SubmitterID   string
	SubmitterName string
	SubmittedAt   time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// DecisionAction is what an approver did at a node.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)

// ApprovalRecord is the immutable record of one decision, including the
// node exactly as it was evaluated.
type ApprovalRecord struct {
	ID             string
	InstanceID     string
	Step           int
	NodeKind       NodeKind
	NodeTarget     string
	NodeTargetName string
	NodeLabel      string
	FlowVersion    int
	ActorID        string
	ActorName      string
	Action         DecisionAction
	Comment        string
	ActedAt        time.Time
}

// LogAction is an entry type in the per-entity operation log.
type LogAction string

const (
	LogSubmit  LogAction = "submit"
	LogApprove LogAction = "approve"
	LogReject  LogAction = "reject"
	LogCancel  LogAction = "cancel"
)

// ApprovalLog is one append-only operation log entry.
type ApprovalLog struct {
	ID           string
	InstanceID   string
	BizType      string
	BizID        string
	Seq          int
	Action       LogAction
	OperatorID   string
	OperatorName string
	Comment      string
	CreatedAt    time.Time
}

// BizStatus is the status projected onto a business record.
type BizStatus struct {
	BizType    string
	BizID      string
	InstanceID string
	Step       int
	Outcome    ApprovalStatus
	Label      string
	UpdatedAt  time.Time
}
