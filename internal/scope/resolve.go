// Package scope turns a principal's permission grants into store filters.
//
// Resolve is the pure half: it maps (principal, resource kind, action) to an
// abstract Predicate shape. Compile is the per-resource half: each resource
// kind reaches "team" or "department" visibility through a different relation
// chain, so the compiler owns one adapter per kind instead of every caller
// re-implementing the join logic.
package scope

import (
	"fmt"

	"agencydesk/internal/domain"
)

// Shape names the abstract filter a scope produces.
type Shape string

const (
	// ShapeEverything matches all records (no filter).
	ShapeEverything Shape = "everything"
	// ShapeNothing matches no records and must short-circuit before the store.
	ShapeNothing Shape = "nothing"
	// ShapeAgency matches records owned by one agency.
	ShapeAgency Shape = "agency"
	// ShapeDepartment matches records reachable from a department's members.
	ShapeDepartment Shape = "department"
	// ShapeTeam matches records reachable from a team's members.
	ShapeTeam Shape = "team"
	// ShapeAssigned matches records the user is personally attached to.
	ShapeAssigned Shape = "assigned"
	// ShapeCreator matches records the user created (or manages, for org units).
	ShapeCreator Shape = "creator"
	// ShapeClientPortal matches client-visible records linked to the client
	// whose portal user is the principal.
	ShapeClientPortal Shape = "client_portal"
)

// Predicate is an abstract, resource-agnostic visibility filter. Resolving
// the same (principal, kind, action) always yields the same value, so
// predicates are safe to log, compare and cache.
type Predicate struct {
	Shape        Shape `json:"shape"`
	AgencyID     int64 `json:"agency_id,omitempty"`
	DepartmentID int64 `json:"department_id,omitempty"`
	TeamID       int64 `json:"team_id,omitempty"`
	UserID       int64 `json:"user_id,omitempty"`
}

// Empty reports whether the predicate matches no records. Callers must
// short-circuit on it instead of issuing a query.
func (p Predicate) Empty() bool { return p.Shape == ShapeNothing }

func (p Predicate) String() string {
	switch p.Shape {
	case ShapeEverything:
		return "everything"
	case ShapeNothing:
		return "nothing"
	case ShapeAgency:
		return fmt.Sprintf("agency(%d)", p.AgencyID)
	case ShapeDepartment:
		return fmt.Sprintf("department(%d)", p.DepartmentID)
	case ShapeTeam:
		return fmt.Sprintf("team(%d)", p.TeamID)
	case ShapeAssigned:
		return fmt.Sprintf("assigned(%d)", p.UserID)
	case ShapeCreator:
		return fmt.Sprintf("creator(%d)", p.UserID)
	case ShapeClientPortal:
		return fmt.Sprintf("client_portal(%d)", p.UserID)
	}
	return "nothing"
}

// Nothing is the deny-all predicate.
func Nothing() Predicate { return Predicate{Shape: ShapeNothing} }

// Everything is the unfiltered predicate.
func Everything() Predicate { return Predicate{Shape: ShapeEverything} }

// Resolve maps a principal's grant for (kind, action) to a Predicate.
// It is pure and total: missing grants, unknown scopes, and scopes the
// principal cannot satisfy (team scope without a team) all resolve to
// Nothing rather than erroring or widening.
func Resolve(pr domain.Principal, kind domain.ResourceKind, action domain.Action) Predicate {
	grant, ok := pr.Permissions[kind]
	if !ok {
		return Nothing()
	}
	switch grant.For(action) {
	case domain.ScopeAll:
		return Everything()
	case domain.ScopeAgency:
		if pr.AgencyID == 0 {
			return Nothing()
		}
		return Predicate{Shape: ShapeAgency, AgencyID: pr.AgencyID}
	case domain.ScopeDepartment:
		if pr.DepartmentID == 0 {
			return Nothing()
		}
		return Predicate{Shape: ShapeDepartment, DepartmentID: pr.DepartmentID}
	case domain.ScopeTeam:
		if pr.TeamID == 0 {
			return Nothing()
		}
		return Predicate{Shape: ShapeTeam, TeamID: pr.TeamID}
	case domain.ScopeAssigned:
		return Predicate{Shape: ShapeAssigned, UserID: pr.UserID}
	case domain.ScopeOwn:
		return Predicate{Shape: ShapeCreator, UserID: pr.UserID}
	case domain.ScopeClient:
		return Predicate{Shape: ShapeClientPortal, UserID: pr.UserID}
	}
	return Nothing()
}

// ForbiddenError reports that a record exists but the principal's predicate
// does not reach it. It is distinct from not-found on purpose: the caller
// surfaces it as access denied.
type ForbiddenError struct {
	Kind domain.ResourceKind
	ID   int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("access to %s %d denied", e.Kind, e.ID)
}
