package service

import (
	"slices"

	"github.com/pesio-ai/be-lims-workflow/internal/repository"
)

// DefaultAdminRole bypasses every node rule.
const DefaultAdminRole = "admin"

// DefaultManagerRoles may act on department nodes of their own department.
var DefaultManagerRoles = []string{"admin", "manager", "dept_manager", "sales_manager", "lab_director"}

// Actor is the already-authenticated identity performing an operation.
type Actor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Roles        []string `json:"roles"`
	DepartmentID string   `json:"departmentId"`
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// PermissionResolver decides whether an actor may act on a flow node. The
// decision gate and the pending-for-me listing both call Authorize, so they
// can never disagree.
type PermissionResolver struct {
	adminRole    string
	managerRoles []string
}

// NewPermissionResolver creates a resolver. Empty arguments fall back to the
// defaults.
func NewPermissionResolver(adminRole string, managerRoles []string) *PermissionResolver {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	if len(managerRoles) == 0 {
		managerRoles = DefaultManagerRoles
	}
	return &PermissionResolver{
		adminRole:    adminRole,
		managerRoles: slices.Clone(managerRoles),
	}
}

// Authorize reports whether actor may decide on node.
func (p *PermissionResolver) Authorize(node repository.FlowNode, actor Actor) bool {
	if actor.ID == "" {
		return false
	}
	if actor.HasRole(p.adminRole) {
		return true
	}

	switch node.Kind {
	case repository.NodeKindRole:
		return actor.HasRole(node.Target)
	case repository.NodeKindUser:
		return actor.ID == node.Target
	case repository.NodeKindDepartment:
		if actor.DepartmentID == "" || actor.DepartmentID != node.Target {
			return false
		}
		return slices.ContainsFunc(p.managerRoles, actor.HasRole)
	default:
		return false
	}
}
