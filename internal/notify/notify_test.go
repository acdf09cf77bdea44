package notify_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agencydesk/internal/db"
	"agencydesk/internal/domain"
	"agencydesk/internal/migrate"
	"agencydesk/internal/notify"
	"agencydesk/internal/repo"
	"agencydesk/internal/workflow"
)

type testEnv struct {
	Engine  workflow.Engine
	Repo    repo.Repo
	Ctx     context.Context
	Agency  int64
	Manager int64
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
	ctx := context.Background()
	now := "2026-03-01T00:00:00Z"

	env := testEnv{Engine: eng, Repo: eng.Repo, Ctx: ctx}
	if env.Agency, err = env.Repo.InsertAgency(ctx, "North Co", now); err != nil {
		t.Fatal(err)
	}
	env.Manager = seedUser(t, env, "Project Manager", "pm@north.test")
	if env.Client, err = env.Repo.InsertClient(ctx, domain.Client{
		AgencyID: env.Agency, CompanyName: "Acme", CreatedBy: env.Manager, IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if env.Project, err = env.Repo.InsertProject(ctx, domain.Project{
		AgencyID: env.Agency, ClientID: env.Client, Name: "Website",
		ProjectManagerID: env.Manager, CreatedBy: env.Manager,
		Status: "active", IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	return env
}

func seedUser(t *testing.T, env testEnv, role, email string) int64 {
	t.Helper()
	id, err := env.Repo.InsertUser(env.Ctx, domain.User{
		AgencyID: env.Agency, RoleName: role, Email: email, FullName: email,
		IsActive: true, CreatedAt: "2026-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func dispatcher(env testEnv) notify.Dispatcher {
	return notify.Dispatcher{
		Repo:        env.Repo,
		Workers:     2,
		AdminFanout: true,
		BaseURL:     "/app",
	}
}

func notificationsFor(t *testing.T, env testEnv, userID int64) []domain.Notification {
	t.Helper()
	items, err := env.Repo.ListNotifications(env.Ctx, userID, repo.NotificationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

// Comment on a task assigned to {B, C} mentioning {A, B}, written by D:
// exactly {A, B, C} get one record each, D gets none.
func TestCommentFanOutRecipients(t *testing.T) {
	env := newTestEnv(t)
	userA := seedUser(t, env, "Team Member", "a@north.test")
	userB := seedUser(t, env, "Team Member", "b@north.test")
	userC := seedUser(t, env, "Team Member", "c@north.test")
	userD := seedUser(t, env, "Team Member", "d@north.test")

	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: "fan-out", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{userB, userC}, env.Manager); err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.AddComment(env.Ctx, workflow.CommentOptions{
		TaskID: task.ID, Text: "look at this", MentionedUsers: []int64{userA, userB}, ActorID: userD,
	})
	if err != nil {
		t.Fatal(err)
	}

	res := dispatcher(env).Dispatch(env.Ctx, ev)
	if res.Recipients != 3 || res.Delivered != 3 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	for _, u := range []int64{userA, userB, userC} {
		got := notificationsFor(t, env, u)
		if len(got) != 1 {
			t.Errorf("user %d got %d records, want 1", u, len(got))
			continue
		}
		if got[0].Type != domain.EventCommentAdded {
			t.Errorf("user %d record type = %s", u, got[0].Type)
		}
	}
	if got := notificationsFor(t, env, userD); len(got) != 0 {
		t.Errorf("commenter received %d records", len(got))
	}
}

// Project status change by a non-admin manager: one record for the
// manager, one per active Admin with the admin message, none for the
// inactive admin.
func TestAdminFanOut(t *testing.T) {
	env := newTestEnv(t)
	admin1 := seedUser(t, env, "Admin", "admin1@north.test")
	admin2 := seedUser(t, env, "Admin", "admin2@north.test")
	inactive := seedUser(t, env, "Admin", "gone@north.test")
	if _, err := env.Repo.DB.Exec(`UPDATE users SET is_active=0 WHERE user_id=?`, inactive); err != nil {
		t.Fatal(err)
	}

	ev, err := env.Engine.UpdateProjectStatus(env.Ctx, env.Project, "paused", env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	res := dispatcher(env).Dispatch(env.Ctx, ev)
	if res.Delivered != 3 {
		t.Fatalf("delivered = %d, want 3 (manager + 2 admins): %+v", res.Delivered, res)
	}

	mgr := notificationsFor(t, env, env.Manager)
	if len(mgr) != 1 || mgr[0].Title != "Project updated" {
		t.Fatalf("manager records = %+v", mgr)
	}
	for _, a := range []int64{admin1, admin2} {
		got := notificationsFor(t, env, a)
		if len(got) != 1 {
			t.Fatalf("admin %d got %d records", a, len(got))
		}
		if got[0].Title != "[Admin] Project updated" {
			t.Errorf("admin title = %q", got[0].Title)
		}
		if got[0].Message == "" {
			t.Errorf("admin message empty")
		}
	}
	if got := notificationsFor(t, env, inactive); len(got) != 0 {
		t.Errorf("inactive admin received %d records", len(got))
	}
}

// An admin who is also the owning principal gets one record, not two.
func TestFanOutDedupesRecipients(t *testing.T) {
	env := newTestEnv(t)
	// Make the project manager an Admin as well.
	if _, err := env.Repo.DB.Exec(`UPDATE users SET role_name='Admin' WHERE user_id=?`, env.Manager); err != nil {
		t.Fatal(err)
	}
	actor := seedUser(t, env, "Team Member", "actor@north.test")

	ev, err := env.Engine.UpdateProjectStatus(env.Ctx, env.Project, "paused", actor)
	if err != nil {
		t.Fatal(err)
	}
	res := dispatcher(env).Dispatch(env.Ctx, ev)
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", res.Delivered)
	}
	got := notificationsFor(t, env, env.Manager)
	if len(got) != 1 {
		t.Fatalf("manager got %d records, want 1", len(got))
	}
	// Owner variant wins over the admin variant.
	if got[0].Title != "Project updated" {
		t.Errorf("title = %q", got[0].Title)
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) error {
	return errors.New("smtp unreachable")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return nil
}

// Email failure never blocks the in-app record.
func TestEmailFailureKeepsInApp(t *testing.T) {
	env := newTestEnv(t)
	dev := seedUser(t, env, "Team Member", "dev@north.test")
	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: "mail me", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{dev}, env.Manager)
	if err != nil {
		t.Fatal(err)
	}

	d := dispatcher(env)
	d.Email = failingSender{}
	res := d.Dispatch(env.Ctx, ev)
	if res.Delivered != 1 || res.EmailsSent != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Channel != "email" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if got := notificationsFor(t, env, dev); len(got) != 1 {
		t.Fatalf("in-app records = %d", len(got))
	}
}

func TestAssignmentEmails(t *testing.T) {
	env := newTestEnv(t)
	dev1 := seedUser(t, env, "Team Member", "dev1@north.test")
	dev2 := seedUser(t, env, "Team Member", "dev2@north.test")
	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: "pair work", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{dev1, dev2}, env.Manager)
	if err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	d := dispatcher(env)
	d.Email = sender
	res := d.Dispatch(env.Ctx, ev)
	if res.EmailsSent != 2 {
		t.Fatalf("emails sent = %d: %+v", res.EmailsSent, res)
	}
	sort.Strings(sender.sent)
	want := []string{"dev1@north.test", "dev2@north.test"}
	if len(sender.sent) != 2 || sender.sent[0] != want[0] || sender.sent[1] != want[1] {
		t.Fatalf("sent to %v", sender.sent)
	}
}

// Client-visible approval-required tasks notify the portal user.
func TestClientApprovalRecipient(t *testing.T) {
	env := newTestEnv(t)
	portal := seedUser(t, env, "Client", "portal@acme.test")
	if _, err := env.Repo.DB.Exec(`UPDATE clients SET portal_user_id=? WHERE client_id=?`, portal, env.Client); err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: "homepage copy", ActorID: env.Manager,
		ClientVisible: true, RequiresClientApproval: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := dispatcher(env).Dispatch(env.Ctx, ev)
	if res.Delivered != 2 {
		t.Fatalf("delivered = %d, want creator + portal user", res.Delivered)
	}
	got := notificationsFor(t, env, portal)
	if len(got) != 1 || got[0].Type != domain.EventClientApprovalRequired {
		t.Fatalf("portal records = %+v", got)
	}
}

func TestRedisBroadcast(t *testing.T) {
	env := newTestEnv(t)
	dev := seedUser(t, env, "Team Member", "dev@north.test")

	mr := miniredis.RunT(t)
	b, err := notify.NewRedisBroadcaster("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	ps := sub.Subscribe(ctx, "user:"+itoa(dev))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: "realtime", ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ev, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{dev}, env.Manager)
	if err != nil {
		t.Fatal(err)
	}

	d := dispatcher(env)
	d.Realtime = b
	if res := d.Dispatch(env.Ctx, ev); len(res.Failures) != 0 {
		t.Fatalf("failures = %+v", res.Failures)
	}
	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "user:"+itoa(dev) {
		t.Errorf("channel = %s", msg.Channel)
	}
	if msg.Payload == "" {
		t.Error("empty broadcast payload")
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
