package scope

import (
	"encoding/json"
	"fmt"

	"agencydesk/internal/domain"
)

// Filter is a compiled store filter: a SQL fragment over the resource's
// base table plus bind args. The zero value means "matches nothing"; a
// filter with Where == "" and All == true means no restriction.
type Filter struct {
	Where string `json:"where,omitempty"`
	Args  []any  `json:"args,omitempty"`
	All   bool   `json:"all,omitempty"`
}

// None reports whether the filter denies everything.
func (f Filter) None() bool { return !f.All && f.Where == "" }

// String renders the filter for audit logs.
func (f Filter) String() string {
	if f.All {
		return "all"
	}
	if f.None() {
		return "none"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

var allFilter = Filter{All: true}

// Compile translates a Predicate into the concrete filter for one resource
// kind. Each kind has its own relation chain for team/department/client
// reachability; an unknown (kind, shape) combination compiles to the
// deny-all filter.
func Compile(kind domain.ResourceKind, p Predicate) (Filter, error) {
	if p.Empty() {
		return Filter{}, nil
	}
	if p.Shape == ShapeEverything {
		return allFilter, nil
	}
	switch kind {
	case domain.KindTasks:
		return compileTasks(p), nil
	case domain.KindProjects:
		return compileProjects(p), nil
	case domain.KindClients:
		return compileClients(p), nil
	case domain.KindDepartments:
		return compileDepartments(p), nil
	case domain.KindTeams:
		return compileTeams(p), nil
	}
	return Filter{}, fmt.Errorf("unknown resource kind %q", kind)
}

// Tasks reach team/department scope through the project membership chain:
// task -> project -> project_members -> users(.team) -> teams(.department).
func compileTasks(p Predicate) Filter {
	switch p.Shape {
	case ShapeAgency:
		return Filter{Where: "tasks.agency_id = ?", Args: []any{p.AgencyID}}
	case ShapeCreator:
		return Filter{Where: "tasks.created_by = ?", Args: []any{p.UserID}}
	case ShapeAssigned:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM task_assignments ta
				WHERE ta.task_id = tasks.task_id AND ta.user_id = ? AND ta.is_active = 1)`,
			Args: []any{p.UserID},
		}
	case ShapeTeam:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM project_members pm
				JOIN users u ON u.user_id = pm.user_id
				WHERE pm.project_id = tasks.project_id AND pm.is_active = 1 AND u.team_id = ?)`,
			Args: []any{p.TeamID},
		}
	case ShapeDepartment:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM project_members pm
				JOIN users u ON u.user_id = pm.user_id
				JOIN teams tm ON tm.team_id = u.team_id
				WHERE pm.project_id = tasks.project_id AND pm.is_active = 1 AND tm.department_id = ?)`,
			Args: []any{p.DepartmentID},
		}
	case ShapeClientPortal:
		return Filter{
			Where: `tasks.client_visible = 1 AND EXISTS (SELECT 1 FROM projects p
				JOIN clients c ON c.client_id = p.client_id
				WHERE p.project_id = tasks.project_id AND c.portal_user_id = ?)`,
			Args: []any{p.UserID},
		}
	}
	return Filter{}
}

// Projects treat "assigned" as manager-or-member; the client chain goes
// straight through the owning client record.
func compileProjects(p Predicate) Filter {
	switch p.Shape {
	case ShapeAgency:
		return Filter{Where: "projects.agency_id = ?", Args: []any{p.AgencyID}}
	case ShapeCreator:
		return Filter{Where: "projects.created_by = ?", Args: []any{p.UserID}}
	case ShapeAssigned:
		return Filter{
			Where: `(projects.project_manager_id = ? OR EXISTS (SELECT 1 FROM project_members pm
				WHERE pm.project_id = projects.project_id AND pm.user_id = ? AND pm.is_active = 1))`,
			Args: []any{p.UserID, p.UserID},
		}
	case ShapeTeam:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM project_members pm
				JOIN users u ON u.user_id = pm.user_id
				WHERE pm.project_id = projects.project_id AND pm.is_active = 1 AND u.team_id = ?)`,
			Args: []any{p.TeamID},
		}
	case ShapeDepartment:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM project_members pm
				JOIN users u ON u.user_id = pm.user_id
				JOIN teams tm ON tm.team_id = u.team_id
				WHERE pm.project_id = projects.project_id AND pm.is_active = 1 AND tm.department_id = ?)`,
			Args: []any{p.DepartmentID},
		}
	case ShapeClientPortal:
		return Filter{
			Where: `projects.client_visible = 1 AND EXISTS (SELECT 1 FROM clients c
				WHERE c.client_id = projects.client_id AND c.portal_user_id = ?)`,
			Args: []any{p.UserID},
		}
	}
	return Filter{}
}

// Clients reach team/department scope backwards through their projects'
// members, and "assigned" means being the account manager.
func compileClients(p Predicate) Filter {
	switch p.Shape {
	case ShapeAgency:
		return Filter{Where: "clients.agency_id = ?", Args: []any{p.AgencyID}}
	case ShapeCreator:
		return Filter{Where: "clients.created_by = ?", Args: []any{p.UserID}}
	case ShapeAssigned:
		return Filter{Where: "clients.account_manager_id = ?", Args: []any{p.UserID}}
	case ShapeTeam:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM projects p
				JOIN project_members pm ON pm.project_id = p.project_id
				JOIN users u ON u.user_id = pm.user_id
				WHERE p.client_id = clients.client_id AND pm.is_active = 1 AND u.team_id = ?)`,
			Args: []any{p.TeamID},
		}
	case ShapeDepartment:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM projects p
				JOIN project_members pm ON pm.project_id = p.project_id
				JOIN users u ON u.user_id = pm.user_id
				JOIN teams tm ON tm.team_id = u.team_id
				WHERE p.client_id = clients.client_id AND pm.is_active = 1 AND tm.department_id = ?)`,
			Args: []any{p.DepartmentID},
		}
	case ShapeClientPortal:
		return Filter{Where: "clients.portal_user_id = ?", Args: []any{p.UserID}}
	}
	return Filter{}
}

// Departments have no client linkage, so client-portal scope denies.
// "Own" means managing the department; "assigned" reaches departments whose
// teams contain users holding a project membership for the principal.
func compileDepartments(p Predicate) Filter {
	switch p.Shape {
	case ShapeAgency:
		return Filter{Where: "departments.agency_id = ?", Args: []any{p.AgencyID}}
	case ShapeCreator:
		return Filter{Where: "departments.manager_id = ?", Args: []any{p.UserID}}
	case ShapeDepartment:
		return Filter{Where: "departments.department_id = ?", Args: []any{p.DepartmentID}}
	case ShapeTeam:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM teams t
				WHERE t.department_id = departments.department_id AND t.team_id = ?)`,
			Args: []any{p.TeamID},
		}
	case ShapeAssigned:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM teams t
				JOIN users u ON u.team_id = t.team_id
				JOIN project_members pm ON pm.user_id = u.user_id
				WHERE t.department_id = departments.department_id AND pm.user_id = ? AND pm.is_active = 1)`,
			Args: []any{p.UserID},
		}
	}
	return Filter{}
}

// Teams, like departments, carry no client linkage.
func compileTeams(p Predicate) Filter {
	switch p.Shape {
	case ShapeAgency:
		return Filter{Where: "teams.agency_id = ?", Args: []any{p.AgencyID}}
	case ShapeCreator:
		return Filter{Where: "teams.lead_id = ?", Args: []any{p.UserID}}
	case ShapeTeam:
		return Filter{Where: "teams.team_id = ?", Args: []any{p.TeamID}}
	case ShapeDepartment:
		return Filter{Where: "teams.department_id = ?", Args: []any{p.DepartmentID}}
	case ShapeAssigned:
		return Filter{
			Where: `EXISTS (SELECT 1 FROM users u
				WHERE u.team_id = teams.team_id AND u.user_id = ?)`,
			Args: []any{p.UserID},
		}
	}
	return Filter{}
}

// Visible is the convenience path callers use: resolve then compile.
func Visible(pr domain.Principal, kind domain.ResourceKind, action domain.Action) (Filter, error) {
	return Compile(kind, Resolve(pr, kind, action))
}
