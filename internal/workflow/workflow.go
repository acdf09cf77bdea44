// Package workflow owns the task lifecycle: creation, assignment,
// comments, and the status state machine gated by the dependency graph.
// Every mutation runs in a single transaction together with its gate
// reads and appends a domain event before committing; the committed
// event is returned so the caller can hand it to the dispatcher.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agencydesk/internal/domain"
	"agencydesk/internal/events"
	"agencydesk/internal/repo"
)

// Conflict codes for workflow gate failures.
const (
	CodeDependencyBlocked = "DEPENDENCY_BLOCKED"
	CodeBlocksActiveWork  = "BLOCKS_ACTIVE_WORK"
)

// ConflictError is a recoverable workflow gate failure: the caller can
// retry after the named tasks change state.
type ConflictError struct {
	Code               string   `json:"code"`
	BlockingTaskTitles []string `json:"blocking_task_titles"`
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.BlockingTaskTitles, ", "))
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task or subtask.
type TaskCreateOptions struct {
	ProjectID              int64
	ParentTaskID           int64
	Title                  string
	Description            string
	DependsOn              []int64
	ClientVisible          bool
	RequiresClientApproval bool
	DueDate                string
	ActorID                int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, domain.Event, error) {
	if opts.Title == "" {
		return domain.Task{}, domain.Event{}, errors.New("title is required")
	}
	if opts.ProjectID <= 0 {
		return domain.Task{}, domain.Event{}, errors.New("project is required")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	if opts.ParentTaskID > 0 {
		parent, err := e.Repo.GetTask(ctx, opts.ParentTaskID)
		if err != nil {
			return domain.Task{}, domain.Event{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, domain.Event{}, errors.New("parent task in different project")
		}
	}
	for _, dep := range opts.DependsOn {
		dt, err := e.Repo.GetTask(ctx, dep)
		if err != nil {
			return domain.Task{}, domain.Event{}, fmt.Errorf("dependency %d: %w", dep, err)
		}
		if dt.ProjectID != opts.ProjectID {
			return domain.Task{}, domain.Event{}, fmt.Errorf("dependency %d not in project", dep)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ProjectID:              opts.ProjectID,
		AgencyID:               p.AgencyID,
		Title:                  opts.Title,
		Description:            opts.Description,
		Status:                 domain.StatusTodo,
		CreatedBy:              opts.ActorID,
		ClientVisible:          opts.ClientVisible,
		RequiresClientApproval: opts.RequiresClientApproval,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if opts.ParentTaskID > 0 {
		t.ParentTaskID = &opts.ParentTaskID
	}
	if opts.DueDate != "" {
		t.DueDate = &opts.DueDate
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	defer tx.Rollback()

	if t.TaskNumber, err = e.Repo.NextTaskNumber(ctx, tx, opts.ProjectID); err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	if t.ID, err = e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.Task{}, domain.Event{}, err
		}
		t.DependsOn = opts.DependsOn
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventTaskCreated,
		AgencyID:   t.AgencyID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    opts.ActorID,
		Payload: map[string]any{
			"task_title":  t.Title,
			"task_number": t.TaskNumber,
			"project_id":  t.ProjectID,
		},
	})
	if err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	return t, ev, nil
}

// ChangeStatus applies a status transition under the two dependency gates.
// Gate reads and the status write share one transaction, so a concurrent
// transition on a dependency cannot race past the gate.
func (e Engine) ChangeStatus(ctx context.Context, taskID int64, newStatus string, actorID int64) (domain.Task, domain.Event, error) {
	if newStatus == "" {
		return domain.Task{}, domain.Event{}, errors.New("status is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Event{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, domain.Event{}, err
	}
	oldStatus := t.Status
	if newStatus == oldStatus {
		return t, domain.Event{}, nil
	}

	// Forward gate: nothing starts or finishes while a prerequisite is open.
	if newStatus == domain.StatusInProgress || newStatus == domain.StatusCompleted {
		deps, err := e.Repo.DependencyRefs(ctx, tx, taskID)
		if err != nil {
			return t, domain.Event{}, err
		}
		var blocking []string
		for _, d := range deps {
			if d.Status != domain.StatusCompleted {
				blocking = append(blocking, d.Title)
			}
		}
		if len(blocking) > 0 {
			return t, domain.Event{}, ConflictError{Code: CodeDependencyBlocked, BlockingTaskTitles: blocking}
		}
	}

	// Backward gate: a completed task cannot regress while dependents
	// already started on the strength of it.
	if oldStatus == domain.StatusCompleted {
		dependents, err := e.Repo.DependentRefs(ctx, tx, taskID)
		if err != nil {
			return t, domain.Event{}, err
		}
		var active []string
		for _, d := range dependents {
			if d.Status == domain.StatusInProgress || d.Status == domain.StatusCompleted {
				active = append(active, d.Title)
			}
		}
		if len(active) > 0 {
			return t, domain.Event{}, ConflictError{Code: CodeBlocksActiveWork, BlockingTaskTitles: active}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	t.Status = newStatus
	t.UpdatedAt = now
	switch {
	case newStatus == domain.StatusCompleted:
		t.CompletedAt = &now
	case oldStatus == domain.StatusCompleted:
		t.CompletedAt = nil
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t); err != nil {
		return t, domain.Event{}, err
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventTaskStatusChanged,
		AgencyID:   t.AgencyID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    actorID,
		Payload: map[string]any{
			"task_title": t.Title,
			"old_status": oldStatus,
			"new_status": newStatus,
			"project_id": t.ProjectID,
		},
	})
	if err != nil {
		return t, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return t, domain.Event{}, err
	}
	return t, ev, nil
}

// AssignUsers adds active assignments for the given users, skipping any
// already assigned, and reports only the newly assigned ids in the event.
func (e Engine) AssignUsers(ctx context.Context, taskID int64, userIDs []int64, assignedBy int64) ([]int64, domain.Event, error) {
	if len(userIDs) == 0 {
		return nil, domain.Event{}, errors.New("user_ids must be non-empty")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	for _, id := range userIDs {
		if id <= 0 {
			return nil, domain.Event{}, fmt.Errorf("invalid user id %d", id)
		}
		if _, err := e.Repo.GetUser(ctx, id); err != nil {
			return nil, domain.Event{}, fmt.Errorf("user %d: %w", id, err)
		}
	}
	current, err := e.Repo.ActiveAssignees(ctx, taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	existing := make(map[int64]bool, len(current))
	for _, id := range current {
		existing[id] = true
	}
	var added []int64
	seen := map[int64]bool{}
	for _, id := range userIDs {
		if existing[id] || seen[id] {
			continue
		}
		seen[id] = true
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, domain.Event{}, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Event{}, err
	}
	defer tx.Rollback()
	for _, id := range added {
		if err := e.Repo.InsertAssignment(ctx, tx, taskID, id, assignedBy, now); err != nil {
			return nil, domain.Event{}, err
		}
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventTaskAssigned,
		AgencyID:   t.AgencyID,
		EntityKind: "task",
		EntityID:   taskID,
		ActorID:    assignedBy,
		Payload: map[string]any{
			"task_title":  t.Title,
			"assigned_to": added,
		},
	})
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Event{}, err
	}
	return added, ev, nil
}

// RemoveAssignment deactivates an assignment. Only admins, project
// managers, the task creator, or the original assigner may remove one.
func (e Engine) RemoveAssignment(ctx context.Context, taskID, userID, removedBy int64, removerRole string) error {
	a, err := e.Repo.GetActiveAssignment(ctx, taskID, userID)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	allowed := removerRole == "Admin" || removerRole == "Project Manager" ||
		t.CreatedBy == removedBy || a.AssignedBy == removedBy
	if !allowed {
		return errors.New("not allowed to remove this assignment")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeactivateAssignment(ctx, tx, taskID, userID, removedBy, now); err != nil {
		return err
	}
	return tx.Commit()
}

// CommentOptions are parameters for adding a comment or reply.
type CommentOptions struct {
	TaskID          int64
	ParentCommentID int64
	Text            string
	MentionedUsers  []int64
	ActorID         int64
}

func (e Engine) AddComment(ctx context.Context, opts CommentOptions) (domain.Comment, domain.Event, error) {
	if opts.Text == "" {
		return domain.Comment{}, domain.Event{}, errors.New("comment_text is required")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Comment{}, domain.Event{}, err
	}
	var parentAuthor int64
	if opts.ParentCommentID > 0 {
		parent, err := e.Repo.GetComment(ctx, opts.ParentCommentID)
		if err != nil {
			return domain.Comment{}, domain.Event{}, fmt.Errorf("parent comment: %w", err)
		}
		if parent.TaskID != opts.TaskID {
			return domain.Comment{}, domain.Event{}, errors.New("cannot reply to a comment from a different task")
		}
		parentAuthor = parent.UserID
	}

	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Comment{
		TaskID:         opts.TaskID,
		UserID:         opts.ActorID,
		Text:           opts.Text,
		MentionedUsers: opts.MentionedUsers,
		CreatedAt:      now,
	}
	if opts.ParentCommentID > 0 {
		c.ParentCommentID = &opts.ParentCommentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, domain.Event{}, err
	}
	defer tx.Rollback()
	if c.ID, err = e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, domain.Event{}, err
	}
	payload := map[string]any{
		"task_title": t.Title,
		"comment_id": c.ID,
	}
	if len(opts.MentionedUsers) > 0 {
		payload["mentioned_users"] = opts.MentionedUsers
	}
	if parentAuthor > 0 {
		payload["parent_author_id"] = parentAuthor
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventCommentAdded,
		AgencyID:   t.AgencyID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    opts.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return c, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return c, domain.Event{}, err
	}
	return c, ev, nil
}

// AddProjectMember enrolls a user in a project. Manager-only, same agency.
func (e Engine) AddProjectMember(ctx context.Context, projectID, userID, addedBy int64) (domain.Event, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Event{}, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Event{}, err
	}
	if p.AgencyID != u.AgencyID {
		return domain.Event{}, errors.New("user and project must belong to same agency")
	}
	if p.ProjectManagerID != addedBy {
		return domain.Event{}, errors.New("only project manager can add members")
	}
	already, err := e.Repo.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return domain.Event{}, err
	}
	if already {
		return domain.Event{}, errors.New("user already added to project")
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectMember(ctx, tx, projectID, userID, addedBy, now); err != nil {
		return domain.Event{}, err
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventMemberAdded,
		AgencyID:   p.AgencyID,
		EntityKind: "project",
		EntityID:   projectID,
		ActorID:    addedBy,
		Payload: map[string]any{
			"project_name": p.Name,
			"member_id":    userID,
		},
	})
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// UpdateProjectStatus changes a project's status and emits PROJECT_UPDATED.
func (e Engine) UpdateProjectStatus(ctx context.Context, projectID int64, status string, actorID int64) (domain.Event, error) {
	if status == "" {
		return domain.Event{}, errors.New("status is required")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, status); err != nil {
		return domain.Event{}, err
	}
	ev, err := e.Events.Append(ctx, tx, domain.Event{
		Type:       domain.EventProjectUpdated,
		AgencyID:   p.AgencyID,
		EntityKind: "project",
		EntityID:   projectID,
		ActorID:    actorID,
		Payload: map[string]any{
			"project_name": p.Name,
			"old_status":   p.Status,
			"new_status":   status,
		},
	})
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}
