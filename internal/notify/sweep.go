package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agencydesk/internal/domain"
)

// Sweeper produces due-date reminders and overdue notices. It is meant
// to be invoked once a day by an external scheduler; re-running it the
// same day is a no-op because each (task, assignee, type) gets at most
// one notification per day.
type Sweeper struct {
	Dispatcher   Dispatcher
	ReminderDays []int
	Log          *slog.Logger
	Now          func() time.Time
}

// SweepResult counts what one run produced.
type SweepResult struct {
	TasksChecked int
	Reminders    int
	Overdue      int
	Failures     []DeliveryError
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sweeper) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Run walks every open task with a due date and notifies its active
// assignees. Tasks due in exactly one of the reminder windows get a
// TASK_DUE_REMINDER; tasks past due get a TASK_OVERDUE. Completed tasks
// never appear here.
func (s Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	tasks, err := s.Dispatcher.Repo.OpenDueTasks(ctx)
	if err != nil {
		return res, err
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	dayStart := today.Format(time.RFC3339)

	for _, t := range tasks {
		res.TasksChecked++
		due, err := parseDueDate(*t.DueDate)
		if err != nil {
			s.log().Warn("sweep: unparsable due date", "task_id", t.ID, "due_date", *t.DueDate)
			continue
		}
		days := int(due.Sub(today).Hours() / 24)

		var typ, title, msg string
		switch {
		case days < 0:
			typ = domain.EventTaskOverdue
			title = "Task overdue"
			msg = fmt.Sprintf("Task %s %q is overdue (was due %s)", t.TaskNumber, t.Title, due.Format("2006-01-02"))
		case s.reminderDay(days):
			typ = domain.EventTaskDueReminder
			title = "Task due soon"
			msg = fmt.Sprintf("Task %s %q is due in %d day(s)", t.TaskNumber, t.Title, days)
		default:
			continue
		}

		assignees, err := s.Dispatcher.Repo.ActiveAssignees(ctx, t.ID)
		if err != nil {
			return res, err
		}
		var dels []delivery
		for _, uid := range assignees {
			sent, err := s.Dispatcher.Repo.HasNotificationSince(ctx, uid, "task", t.ID, typ, dayStart)
			if err != nil {
				return res, err
			}
			if sent {
				continue
			}
			dels = append(dels, delivery{
				UserID:    uid,
				Type:      typ,
				Title:     title,
				Message:   msg,
				EntityTyp: "task",
				EntityID:  t.ID,
				ActionURL: s.Dispatcher.taskURL(t.ID),
				WantEmail: true,
			})
		}
		out := s.Dispatcher.run(ctx, dels)
		if typ == domain.EventTaskOverdue {
			res.Overdue += out.Delivered
		} else {
			res.Reminders += out.Delivered
		}
		res.Failures = append(res.Failures, out.Failures...)
	}
	return res, nil
}

func (s Sweeper) reminderDay(days int) bool {
	for _, d := range s.ReminderDays {
		if days == d {
			return true
		}
	}
	return false
}

// parseDueDate accepts both bare dates and RFC3339 timestamps.
func parseDueDate(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC().Truncate(24 * time.Hour), nil
	}
	return time.Parse("2006-01-02", v)
}
