package domain

// Scope is a named visibility level controlling which records a principal
// may act on for a given resource kind. Unknown values parse to ScopeNone.
type Scope string

const (
	ScopeNone       Scope = "none"
	ScopeOwn        Scope = "own"
	ScopeAssigned   Scope = "assigned"
	ScopeTeam       Scope = "team"
	ScopeDepartment Scope = "department"
	ScopeAgency     Scope = "agency"
	ScopeAll        Scope = "all"
	ScopeClient     Scope = "client"
)

// ParseScope maps a raw permission value to a Scope, failing closed.
func ParseScope(s string) Scope {
	switch Scope(s) {
	case ScopeOwn, ScopeAssigned, ScopeTeam, ScopeDepartment, ScopeAgency, ScopeAll, ScopeClient:
		return Scope(s)
	}
	return ScopeNone
}

// ResourceKind enumerates the resource types the visibility engine knows.
type ResourceKind string

const (
	KindClients     ResourceKind = "clients"
	KindProjects    ResourceKind = "projects"
	KindTasks       ResourceKind = "tasks"
	KindDepartments ResourceKind = "departments"
	KindTeams       ResourceKind = "teams"
)

// Kinds lists every resource kind in a stable order.
func Kinds() []ResourceKind {
	return []ResourceKind{KindClients, KindProjects, KindTasks, KindDepartments, KindTeams}
}

// Action names an operation a grant can scope.
type Action string

const (
	ActionView Action = "view"
	ActionEdit Action = "edit"
)

// Grant holds the per-action scopes a role gives for one resource kind.
type Grant struct {
	View Scope `json:"view"`
	Edit Scope `json:"edit,omitempty"`
}

// For returns the scope for an action, failing closed on unknown actions.
func (g Grant) For(a Action) Scope {
	switch a {
	case ActionView:
		return g.View
	case ActionEdit:
		if g.Edit == "" {
			return g.View
		}
		return g.Edit
	}
	return ScopeNone
}

// Principal is the resolved identity of the authenticated actor. It is
// built by upstream authentication and never mutated by the core.
type Principal struct {
	UserID       int64                  `json:"user_id"`
	RoleName     string                 `json:"role_name"`
	Permissions  map[ResourceKind]Grant `json:"permissions"`
	AgencyID     int64                  `json:"agency_id"`
	DepartmentID int64                  `json:"department_id,omitempty"`
	TeamID       int64                  `json:"team_id,omitempty"`
	ClientID     int64                  `json:"client_id,omitempty"`
}

// Task statuses with workflow meaning. Any other status string is opaque
// to the state machine.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

type Task struct {
	ID                     int64   `json:"task_id"`
	ProjectID              int64   `json:"project_id"`
	AgencyID               int64   `json:"agency_id"`
	ParentTaskID           *int64  `json:"parent_task_id,omitempty"`
	TaskNumber             string  `json:"task_number"`
	Title                  string  `json:"task_title"`
	Description            string  `json:"description,omitempty"`
	Status                 string  `json:"status"`
	CreatedBy              int64   `json:"created_by"`
	ClientVisible          bool    `json:"client_visible"`
	RequiresClientApproval bool    `json:"requires_client_approval"`
	DueDate                *string `json:"due_date,omitempty" format:"date-time"`
	AssignedTo             []int64 `json:"assigned_to,omitempty"`
	DependsOn              []int64 `json:"depends_on,omitempty"`
	Blocks                 []int64 `json:"blocks,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
	CompletedAt            *string `json:"completed_at,omitempty" format:"date-time"`
}

type Project struct {
	ID               int64  `json:"project_id"`
	AgencyID         int64  `json:"agency_id"`
	ClientID         int64  `json:"client_id"`
	Name             string `json:"project_name"`
	ProjectManagerID int64  `json:"project_manager_id"`
	CreatedBy        int64  `json:"created_by"`
	Status           string `json:"status"`
	ClientVisible    bool   `json:"client_visible"`
	IsActive         bool   `json:"is_active"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Client struct {
	ID               int64  `json:"client_id"`
	AgencyID         int64  `json:"agency_id"`
	CompanyName      string `json:"company_name"`
	AccountManagerID *int64 `json:"account_manager_id,omitempty"`
	PortalUserID     *int64 `json:"portal_user_id,omitempty"`
	CreatedBy        int64  `json:"created_by"`
	IsActive         bool   `json:"is_active"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Department struct {
	ID        int64  `json:"department_id"`
	AgencyID  int64  `json:"agency_id"`
	Name      string `json:"department_name"`
	ManagerID *int64 `json:"manager_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Team struct {
	ID           int64  `json:"team_id"`
	AgencyID     int64  `json:"agency_id"`
	DepartmentID int64  `json:"department_id"`
	Name         string `json:"team_name"`
	LeadID       *int64 `json:"lead_id,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        int64  `json:"user_id"`
	AgencyID  int64  `json:"agency_id"`
	TeamID    *int64 `json:"team_id,omitempty"`
	RoleName  string `json:"role_name"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID              int64   `json:"comment_id"`
	TaskID          int64   `json:"task_id"`
	ParentCommentID *int64  `json:"parent_comment_id,omitempty"`
	UserID          int64   `json:"user_id"`
	Text            string  `json:"comment_text"`
	MentionedUsers  []int64 `json:"mentioned_users,omitempty"`
	IsDeleted       bool    `json:"is_deleted"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Notification is one per-recipient delivery record.
type Notification struct {
	ID           int64   `json:"notification_id"`
	UserID       int64   `json:"user_id"`
	Type         string  `json:"notification_type"`
	Title        string  `json:"title"`
	Message      string  `json:"message"`
	EntityType   string  `json:"entity_type,omitempty"`
	EntityID     int64   `json:"entity_id,omitempty"`
	ActionURL    string  `json:"action_url,omitempty"`
	SentViaEmail bool    `json:"sent_via_email"`
	SentViaPush  bool    `json:"sent_via_push"`
	IsRead       bool    `json:"is_read"`
	ReadAt       *string `json:"read_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Domain event tags driving notification fan-out.
const (
	EventTaskCreated            = "TASK_CREATED"
	EventTaskAssigned           = "TASK_ASSIGNED"
	EventTaskStatusChanged      = "TASK_STATUS_CHANGED"
	EventCommentAdded           = "COMMENT_ADDED"
	EventMemberAdded            = "MEMBER_ADDED"
	EventProjectUpdated         = "PROJECT_UPDATED"
	EventClientApprovalRequired = "CLIENT_APPROVAL_REQUIRED"
	EventTaskDueReminder        = "TASK_DUE_REMINDER"
	EventTaskOverdue            = "TASK_OVERDUE"
)

// Event is a structured description of a committed mutation. The workflow
// engine appends it to the event log inside the mutation transaction and
// hands the same value to the dispatcher after commit.
type Event struct {
	ID         string         `json:"event_id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AgencyID   int64          `json:"agency_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   int64          `json:"entity_id"`
	ActorID    int64          `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
