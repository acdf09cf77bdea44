package notify_test

import (
	"testing"
	"time"

	"agencydesk/internal/domain"
	"agencydesk/internal/notify"
	"agencydesk/internal/workflow"
)

func testSweeper(env testEnv, now time.Time) notify.Sweeper {
	d := dispatcher(env)
	d.Now = func() time.Time { return now }
	return notify.Sweeper{
		Dispatcher:   d,
		ReminderDays: []int{1, 3, 7},
		Now:          func() time.Time { return now },
	}
}

func seedDueTask(t *testing.T, env testEnv, title, due string, assignee int64) domain.Task {
	t.Helper()
	task, _, err := env.Engine.CreateTask(env.Ctx, workflow.TaskCreateOptions{
		ProjectID: env.Project, Title: title, DueDate: due, ActorID: env.Manager,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.AssignUsers(env.Ctx, task.ID, []int64{assignee}, env.Manager); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSweepRemindersAndOverdue(t *testing.T) {
	env := newTestEnv(t)
	dev := seedUser(t, env, "Team Member", "dev@north.test")
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seedDueTask(t, env, "due in 3", "2026-03-13", dev)
	seedDueTask(t, env, "due in 2", "2026-03-12", dev) // not a reminder day
	overdue := seedDueTask(t, env, "late", "2026-03-08", dev)
	done := seedDueTask(t, env, "finished late", "2026-03-08", dev)
	if _, _, err := env.Engine.ChangeStatus(env.Ctx, done.ID, domain.StatusCompleted, env.Manager); err != nil {
		t.Fatal(err)
	}

	s := testSweeper(env, now)
	res, err := s.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reminders != 1 {
		t.Errorf("reminders = %d, want 1", res.Reminders)
	}
	if res.Overdue != 1 {
		t.Errorf("overdue = %d, want 1", res.Overdue)
	}

	got := notificationsFor(t, env, dev)
	types := map[string]int{}
	for _, n := range got {
		types[n.Type]++
	}
	if types[domain.EventTaskDueReminder] != 1 || types[domain.EventTaskOverdue] != 1 {
		t.Fatalf("notification types = %v", types)
	}
	for _, n := range got {
		if n.Type == domain.EventTaskOverdue && n.EntityID != overdue.ID {
			t.Errorf("overdue notice points at task %d, want %d", n.EntityID, overdue.ID)
		}
	}
}

// A second run on the same day produces nothing new.
func TestSweepIdempotentPerDay(t *testing.T) {
	env := newTestEnv(t)
	dev := seedUser(t, env, "Team Member", "dev@north.test")
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seedDueTask(t, env, "due soon", "2026-03-11", dev)

	s := testSweeper(env, now)
	if res, err := s.Run(env.Ctx); err != nil || res.Reminders != 1 {
		t.Fatalf("first run: %+v err=%v", res, err)
	}
	if res, err := s.Run(env.Ctx); err != nil || res.Reminders != 0 {
		t.Fatalf("second run: %+v err=%v", res, err)
	}

	// The next day it fires again (now due in 0 days: not a reminder day,
	// so move the clock past due instead).
	late := testSweeper(env, now.Add(48*time.Hour))
	res, err := late.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Overdue != 1 {
		t.Fatalf("overdue after due date = %d, want 1", res.Overdue)
	}
}
