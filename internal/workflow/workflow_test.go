package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agencydesk/internal/db"
	"agencydesk/internal/domain"
	"agencydesk/internal/migrate"
	"agencydesk/internal/repo"
	"agencydesk/internal/workflow"
)

type testEnv struct {
	Engine  workflow.Engine
	Repo    repo.Repo
	Ctx     context.Context
	Agency  int64
	Manager int64
	Member  int64
	Client  int64
	Project int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := workflow.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	now := "2026-03-01T00:00:00Z"

	env := testEnv{Engine: eng, Repo: eng.Repo, Ctx: ctx}
	if env.Agency, err = env.Repo.InsertAgency(ctx, "North Co", now); err != nil {
		t.Fatalf("seed agency: %v", err)
	}
	env.Manager = seedUser(t, env, "Project Manager", "pm@north.test", now)
	env.Member = seedUser(t, env, "Team Member", "dev@north.test", now)
	if env.Client, err = env.Repo.InsertClient(ctx, domain.Client{
		AgencyID: env.Agency, CompanyName: "Acme", CreatedBy: env.Manager, IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if env.Project, err = env.Repo.InsertProject(ctx, domain.Project{
		AgencyID: env.Agency, ClientID: env.Client, Name: "Website",
		ProjectManagerID: env.Manager, CreatedBy: env.Manager,
		Status: "active", IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return env
}

func seedUser(t *testing.T, env testEnv, role, email, now string) int64 {
	t.Helper()
	id, err := env.Repo.InsertUser(env.Ctx, domain.User{
		AgencyID: env.Agency, RoleName: role, Email: email, FullName: email, IsActive: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func mustCreateTask(t *testing.T, env testEnv, title string, deps ...int64) domain.Task {
	t.Helper()
	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: title, DependsOn: deps, ActorID: env.Manager,
	})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}

func mustStatus(t *testing.T, env testEnv, taskID int64, status string) domain.Task {
	t.Helper()
	task, _, err := env.Engine.ChangeStatus(env.Ctx, taskID, status, env.Manager)
	if err != nil {
		t.Fatalf("task %d to %s: %v", taskID, status, err)
	}
	return task
}

func TestTaskNumbering(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreateTask(t, env, "first")
	second := mustCreateTask(t, env, "second")
	if first.TaskNumber != "TASK-0001" || second.TaskNumber != "TASK-0002" {
		t.Errorf("task numbers = %s, %s", first.TaskNumber, second.TaskNumber)
	}
}

func TestCompletedAtRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "solo")

	task = mustStatus(t, env, task.ID, domain.StatusInProgress)
	if task.CompletedAt != nil {
		t.Fatalf("completed_at set while in_progress")
	}
	task = mustStatus(t, env, task.ID, domain.StatusCompleted)
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not stamped on completion")
	}
	task = mustStatus(t, env, task.ID, domain.StatusTodo)
	if task.CompletedAt != nil {
		t.Fatalf("completed_at not cleared after leaving completed")
	}
	stored, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusTodo || stored.CompletedAt != nil {
		t.Fatalf("stored task = %s / %v", stored.Status, stored.CompletedAt)
	}
}

func TestDependencyBlocked(t *testing.T) {
	env := newTestEnv(t)
	dep := mustCreateTask(t, env, "design")
	task := mustCreateTask(t, env, "build", dep.ID)

	for _, target := range []string{domain.StatusInProgress, domain.StatusCompleted} {
		_, _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, target, env.Manager)
		var conflict workflow.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("to %s: got %v, want ConflictError", target, err)
		}
		if conflict.Code != workflow.CodeDependencyBlocked {
			t.Errorf("code = %s", conflict.Code)
		}
		if len(conflict.BlockingTaskTitles) != 1 || conflict.BlockingTaskTitles[0] != "design" {
			t.Errorf("blocking titles = %v", conflict.BlockingTaskTitles)
		}
	}

	// Failed transitions must not mutate stored state.
	stored, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusTodo {
		t.Fatalf("status mutated to %s by failed transition", stored.Status)
	}

	mustStatus(t, env, dep.ID, domain.StatusInProgress)
	mustStatus(t, env, dep.ID, domain.StatusCompleted)
	task = mustStatus(t, env, task.ID, domain.StatusInProgress)
	if task.Status != domain.StatusInProgress {
		t.Fatalf("status = %s after dependency completed", task.Status)
	}
}

func TestBlocksActiveWork(t *testing.T) {
	env := newTestEnv(t)
	dep := mustCreateTask(t, env, "api")
	task := mustCreateTask(t, env, "frontend", dep.ID)

	mustStatus(t, env, dep.ID, domain.StatusCompleted)
	mustStatus(t, env, task.ID, domain.StatusInProgress)

	_, _, err := env.Engine.ChangeStatus(env.Ctx, dep.ID, domain.StatusTodo, env.Manager)
	var conflict workflow.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ConflictError", err)
	}
	if conflict.Code != workflow.CodeBlocksActiveWork {
		t.Errorf("code = %s", conflict.Code)
	}
	if len(conflict.BlockingTaskTitles) != 1 || conflict.BlockingTaskTitles[0] != "frontend" {
		t.Errorf("blocking titles = %v", conflict.BlockingTaskTitles)
	}

	// Once the dependent backs off, reopening is allowed.
	mustStatus(t, env, task.ID, domain.StatusTodo)
	dep2 := mustStatus(t, env, dep.ID, domain.StatusTodo)
	if dep2.Status != domain.StatusTodo || dep2.CompletedAt != nil {
		t.Fatalf("reopen: status=%s completed_at=%v", dep2.Status, dep2.CompletedAt)
	}
}

func TestSameStatusIsNoop(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "idle")
	_, ev, err := env.Engine.ChangeStatus(env.Ctx, task.ID, domain.StatusTodo, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != "" {
		t.Fatalf("no-op transition emitted event %v", ev)
	}
}

func TestAssignUsersDedupes(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "shared")
	other := seedUser(t, env, "Team Member", "dev2@north.test", "2026-03-01T00:00:00Z")

	added, ev, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{env.Member, env.Member}, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != env.Member {
		t.Fatalf("added = %v", added)
	}
	if ev.Type != domain.EventTaskAssigned {
		t.Fatalf("event type = %s", ev.Type)
	}

	// Re-assigning an existing assignee only reports the genuinely new one.
	added, _, err = env.Engine.AssignUsers(env.Ctx, task.ID, []int64{env.Member, other}, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != other {
		t.Fatalf("added = %v", added)
	}

	// All already assigned: no event at all.
	added, ev, err = env.Engine.AssignUsers(env.Ctx, task.ID, []int64{env.Member}, env.Manager)
	if err != nil || len(added) != 0 || ev.ID != "" {
		t.Fatalf("noop assign: added=%v ev=%v err=%v", added, ev, err)
	}
}

func TestRemoveAssignmentPermissions(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "guarded")
	outsider := seedUser(t, env, "Team Member", "dev3@north.test", "2026-03-01T00:00:00Z")
	if _, _, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{env.Member}, env.Manager); err != nil {
		t.Fatal(err)
	}

	// Random team member may not remove someone else's assignment.
	err := env.Engine.RemoveAssignment(env.Ctx, task.ID, env.Member, outsider, "Team Member")
	if err == nil {
		t.Fatal("expected permission error")
	}

	// The original assigner may.
	if err := env.Engine.RemoveAssignment(env.Ctx, task.ID, env.Member, env.Manager, "Project Manager"); err != nil {
		t.Fatal(err)
	}
	ids, err := env.Repo.ActiveAssignees(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("assignees after removal = %v", ids)
	}
}

func TestReplyMustShareTask(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreateTask(t, env, "a")
	b := mustCreateTask(t, env, "b")
	comment, _, err := env.Engine.AddComment(env.Ctx, workflow.CommentOptions{
		TaskID: a.ID, Text: "root", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.AddComment(env.Ctx, workflow.CommentOptions{
		TaskID: b.ID, ParentCommentID: comment.ID, Text: "reply", ActorID: env.Member,
	})
	if err == nil {
		t.Fatal("expected cross-task reply to fail")
	}
}

func TestCommentEventPayload(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "discussed")
	root, _, err := env.Engine.AddComment(env.Ctx, workflow.CommentOptions{
		TaskID: task.ID, Text: "first", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.AddComment(env.Ctx, workflow.CommentOptions{
		TaskID: task.ID, ParentCommentID: root.ID, Text: "reply",
		MentionedUsers: []int64{env.Member}, ActorID: env.Member,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != domain.EventCommentAdded {
		t.Fatalf("event type = %s", ev.Type)
	}
	if got, _ := ev.Payload["parent_author_id"].(int64); got != env.Manager {
		t.Errorf("parent_author_id = %v", ev.Payload["parent_author_id"])
	}
}

func TestAddProjectMemberManagerOnly(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddProjectMember(env.Ctx, env.Project, env.Member, env.Member); err == nil {
		t.Fatal("expected non-manager add to fail")
	}
	ev, err := env.Engine.AddProjectMember(env.Ctx, env.Project, env.Member, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != domain.EventMemberAdded {
		t.Fatalf("event type = %s", ev.Type)
	}
	if _, err := env.Engine.AddProjectMember(env.Ctx, env.Project, env.Member, env.Manager); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
}

func TestUpdateProjectStatusEvent(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.Engine.UpdateProjectStatus(env.Ctx, env.Project, "paused", env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != domain.EventProjectUpdated {
		t.Fatalf("event type = %s", ev.Type)
	}
	if ev.Payload["old_status"] != "active" || ev.Payload["new_status"] != "paused" {
		t.Errorf("payload = %v", ev.Payload)
	}
	p, err := env.Repo.GetProject(env.Ctx, env.Project)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "paused" {
		t.Fatalf("stored status = %s", p.Status)
	}
}
