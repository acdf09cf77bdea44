package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"agencydesk/internal/domain"
	"agencydesk/internal/scope"
)

const taskColumns = `task_id, project_id, agency_id, parent_task_id, task_number, task_title, description, status, created_by, client_visible, requires_client_approval, due_date, created_at, updated_at, completed_at`

func scanTask(scanner interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var parentID sql.NullInt64
	var description, dueDate, completedAt sql.NullString
	err := scanner.Scan(&t.ID, &t.ProjectID, &t.AgencyID, &parentID, &t.TaskNumber, &t.Title, &description,
		&t.Status, &t.CreatedBy, &t.ClientVisible, &t.RequiresClientApproval, &dueDate, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.Int64
	}
	if description.Valid {
		t.Description = description.String
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id, agency_id, parent_task_id, task_number, task_title, description, status, created_by, client_visible, requires_client_approval, due_date, created_at, updated_at, completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.AgencyID, nullableInt64Ptr(t.ParentTaskID), t.TaskNumber, t.Title, nullable(t.Description),
		t.Status, t.CreatedBy, t.ClientVisible, t.RequiresClientApproval, nullableStringPtr(t.DueDate),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, completed_at=? WHERE task_id=?`,
		t.Status, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=?`, id))
	if err != nil {
		return t, err
	}
	if t.DependsOn, err = r.ListDependencies(ctx, id); err != nil {
		return t, err
	}
	if t.Blocks, err = r.ListDependents(ctx, id); err != nil {
		return t, err
	}
	if t.AssignedTo, err = r.ActiveAssignees(ctx, id); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=?`, id))
}

func (r Repo) GetTaskScoped(ctx context.Context, id int64, flt scope.Filter) (domain.Task, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	ok, err := r.visibleRow(ctx, "tasks", "task_id", id, flt)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, scope.ForbiddenError{Kind: domain.KindTasks, ID: id}
	}
	return t, nil
}

type TaskFilters struct {
	ProjectID int64
	Status    string
	ParentID  int64
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, flt scope.Filter, f TaskFilters) ([]domain.Task, error) {
	if flt.None() {
		return nil, nil
	}
	var clauses []string
	var args []any
	if f.ProjectID > 0 {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.ParentID > 0 {
		clauses = append(clauses, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	clauses, args = scopedWhere(clauses, args, flt)
	query := `SELECT ` + taskColumns + ` FROM tasks ` + whereClause(clauses) + ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenDueTasks returns every uncompleted task carrying a due date. The
// reminder sweep walks these and decides per task whether anything is due.
func (r Repo) OpenDueTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE due_date IS NOT NULL AND status != ? ORDER BY due_date, task_id`, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextTaskNumber allocates the next TASK-NNNN number within a project.
func (r Repo) NextTaskNumber(ctx context.Context, tx *sql.Tx, projectID int64) (string, error) {
	var last sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT task_number FROM tasks WHERE project_id=? ORDER BY task_id DESC LIMIT 1`, projectID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	next := 1
	if last.Valid {
		var n int
		if _, err := fmt.Sscanf(last.String, "TASK-%d", &n); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("TASK-%04d", next), nil
}

// --- dependency edges ---

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID int64, deps []int64) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	return r.listIDs(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
}

func (r Repo) ListDependents(ctx context.Context, taskID int64) ([]int64, error) {
	return r.listIDs(ctx, `SELECT task_id FROM task_deps WHERE depends_on_task_id=? ORDER BY task_id`, taskID)
}

func (r Repo) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TaskRef is the id/title/status triple the workflow gates read.
type TaskRef struct {
	ID     int64
	Title  string
	Status string
}

// DependencyRefs returns the prerequisite tasks of taskID, read inside the
// transition transaction so a concurrent status change cannot race the gate.
func (r Repo) DependencyRefs(ctx context.Context, tx *sql.Tx, taskID int64) ([]TaskRef, error) {
	return scanTaskRefs(tx.QueryContext(ctx, `SELECT t.task_id, t.task_title, t.status
FROM task_deps d JOIN tasks t ON t.task_id = d.depends_on_task_id
WHERE d.task_id = ? ORDER BY t.task_id`, taskID))
}

// DependentRefs returns the tasks that list taskID as a prerequisite.
func (r Repo) DependentRefs(ctx context.Context, tx *sql.Tx, taskID int64) ([]TaskRef, error) {
	return scanTaskRefs(tx.QueryContext(ctx, `SELECT t.task_id, t.task_title, t.status
FROM task_deps d JOIN tasks t ON t.task_id = d.task_id
WHERE d.depends_on_task_id = ? ORDER BY t.task_id`, taskID))
}

func scanTaskRefs(rows *sql.Rows, err error) ([]TaskRef, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskRef
	for rows.Next() {
		var ref TaskRef
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Status); err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}

// --- assignments ---

func (r Repo) ActiveAssignees(ctx context.Context, taskID int64) ([]int64, error) {
	return r.listIDs(ctx, `SELECT user_id FROM task_assignments WHERE task_id=? AND is_active=1 ORDER BY user_id`, taskID)
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, taskID, userID, assignedBy int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_assignments(task_id, user_id, assigned_by, is_active, assigned_at) VALUES (?,?,?,1,?)`,
		taskID, userID, assignedBy, now)
	return err
}

// Assignment is one active task assignment row.
type Assignment struct {
	TaskID     int64
	UserID     int64
	AssignedBy int64
}

func (r Repo) GetActiveAssignment(ctx context.Context, taskID, userID int64) (Assignment, error) {
	var a Assignment
	err := r.DB.QueryRowContext(ctx, `SELECT task_id, user_id, assigned_by FROM task_assignments WHERE task_id=? AND user_id=? AND is_active=1`, taskID, userID).
		Scan(&a.TaskID, &a.UserID, &a.AssignedBy)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) DeactivateAssignment(ctx context.Context, tx *sql.Tx, taskID, userID, removedBy int64, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE task_assignments SET is_active=0, removed_at=?, removed_by=? WHERE task_id=? AND user_id=? AND is_active=1`,
		now, removedBy, taskID, userID)
	return err
}

// --- comments ---

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	mentions, err := marshalIDs(c.MentionedUsers)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO task_comments(task_id, parent_comment_id, user_id, comment_text, mentioned_users_json, is_deleted, created_at) VALUES (?,?,?,?,?,0,?)`,
		c.TaskID, nullableInt64Ptr(c.ParentCommentID), c.UserID, c.Text, mentions, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetComment(ctx context.Context, id int64) (domain.Comment, error) {
	var c domain.Comment
	var parentID sql.NullInt64
	var mentions sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT comment_id, task_id, parent_comment_id, user_id, comment_text, mentioned_users_json, is_deleted, created_at
FROM task_comments WHERE comment_id=?`, id).
		Scan(&c.ID, &c.TaskID, &parentID, &c.UserID, &c.Text, &mentions, &c.IsDeleted, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if parentID.Valid {
		c.ParentCommentID = &parentID.Int64
	}
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &c.MentionedUsers); err != nil {
			return c, fmt.Errorf("comment %d mentions: %w", id, err)
		}
	}
	return c, nil
}

func marshalIDs(ids []int64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
