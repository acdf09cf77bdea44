// Package notify expands committed domain events into per-recipient
// notification deliveries. The in-app record is the durable channel;
// email and realtime broadcast are best-effort extras. Dispatch never
// returns an error: the mutation that produced the event already
// succeeded, so delivery failures are logged and counted, not raised.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agencydesk/internal/domain"
	"agencydesk/internal/repo"
)

// EmailSender delivers one email. Implementations must be safe for
// concurrent use.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Broadcaster pushes a realtime payload onto a per-user channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID int64, eventName string, payload map[string]any) error
}

// DeliveryError records one failed channel delivery for one recipient.
type DeliveryError struct {
	UserID  int64
	Channel string
	Err     error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver to user %d via %s: %v", e.UserID, e.Channel, e.Err)
}

func (e DeliveryError) Unwrap() error { return e.Err }

// DispatchResult summarizes one fan-out: how many recipients were
// resolved, how many in-app records landed, and what failed.
type DispatchResult struct {
	Recipients int
	Delivered  int
	EmailsSent int
	Failures   []DeliveryError
}

type Dispatcher struct {
	Repo        repo.Repo
	Email       EmailSender
	Realtime    Broadcaster
	Log         *slog.Logger
	Workers     int
	AdminFanout bool
	BaseURL     string
	Now         func() time.Time
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// delivery is one unit of fan-out work: a single recipient's record
// plus its channel flags.
type delivery struct {
	UserID    int64
	Type      string
	Title     string
	Message   string
	EntityTyp string
	EntityID  int64
	ActionURL string
	WantEmail bool
}

// Dispatch fans one committed event out to its recipient set. The
// incoming context is detached so an aborted request cannot cancel
// deliveries for a mutation that already committed.
func (d Dispatcher) Dispatch(ctx context.Context, ev domain.Event) DispatchResult {
	ctx = context.WithoutCancel(ctx)
	dels, err := d.expand(ctx, ev)
	if err != nil {
		d.log().Error("notify: expand event", "event_id", ev.ID, "type", ev.Type, "err", err)
		return DispatchResult{}
	}
	return d.run(ctx, dels)
}

// run pushes deliveries through a bounded worker pool.
func (d Dispatcher) run(ctx context.Context, dels []delivery) DispatchResult {
	res := DispatchResult{Recipients: len(dels)}
	if len(dels) == 0 {
		return res
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(dels) {
		workers = len(dels)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan delivery)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				delivered, emailed, failures := d.deliver(ctx, job)
				mu.Lock()
				if delivered {
					res.Delivered++
				}
				if emailed {
					res.EmailsSent++
				}
				res.Failures = append(res.Failures, failures...)
				mu.Unlock()
			}
		}()
	}
	for _, job := range dels {
		jobs <- job
	}
	close(jobs)
	wg.Wait()
	return res
}

// deliver handles one recipient: in-app record first and durably, then
// email and broadcast, each best-effort.
func (d Dispatcher) deliver(ctx context.Context, job delivery) (delivered, emailed bool, failures []DeliveryError) {
	n := domain.Notification{
		UserID:       job.UserID,
		Type:         job.Type,
		Title:        job.Title,
		Message:      job.Message,
		EntityType:   job.EntityTyp,
		EntityID:     job.EntityID,
		ActionURL:    job.ActionURL,
		SentViaEmail: job.WantEmail && d.Email != nil,
		SentViaPush:  d.Realtime != nil,
		CreatedAt:    d.now().UTC().Format(time.RFC3339),
	}
	id, err := d.Repo.InsertNotification(ctx, n)
	if err != nil {
		de := DeliveryError{UserID: job.UserID, Channel: "inapp", Err: err}
		d.log().Error("notify: in-app record", "user_id", job.UserID, "type", job.Type, "err", err)
		return false, false, []DeliveryError{de}
	}
	delivered = true
	n.ID = id

	if job.WantEmail && d.Email != nil {
		u, err := d.Repo.GetUser(ctx, job.UserID)
		if err == nil && u.Email != "" {
			err = d.Email.Send(ctx, u.Email, job.Title, job.Message)
		}
		if err != nil {
			failures = append(failures, DeliveryError{UserID: job.UserID, Channel: "email", Err: err})
			d.log().Warn("notify: email", "user_id", job.UserID, "type", job.Type, "err", err)
		} else {
			emailed = true
		}
	}

	if d.Realtime != nil {
		payload := map[string]any{
			"notification_id": n.ID,
			"type":            n.Type,
			"title":           n.Title,
			"message":         n.Message,
			"action_url":      n.ActionURL,
			"created_at":      n.CreatedAt,
		}
		if err := d.Realtime.Broadcast(ctx, job.UserID, "notification", payload); err != nil {
			failures = append(failures, DeliveryError{UserID: job.UserID, Channel: "realtime", Err: err})
			d.log().Warn("notify: broadcast", "user_id", job.UserID, "type", job.Type, "err", err)
		}
	}
	return delivered, emailed, failures
}

// expand resolves the recipient set for one event and builds the
// per-recipient deliveries. Recipients are deduped before any message
// is constructed, so one event yields at most one record per user.
func (d Dispatcher) expand(ctx context.Context, ev domain.Event) ([]delivery, error) {
	switch ev.Type {
	case domain.EventTaskCreated:
		return d.expandTaskCreated(ctx, ev)
	case domain.EventTaskAssigned:
		return d.expandTaskAssigned(ev), nil
	case domain.EventCommentAdded:
		return d.expandCommentAdded(ctx, ev)
	case domain.EventTaskStatusChanged:
		return d.expandStatusChanged(ctx, ev)
	case domain.EventMemberAdded:
		return d.expandMemberAdded(ctx, ev)
	case domain.EventProjectUpdated:
		return d.expandProjectUpdated(ctx, ev)
	}
	d.log().Debug("notify: no fan-out for event type", "type", ev.Type)
	return nil, nil
}

func (d Dispatcher) expandTaskCreated(ctx context.Context, ev domain.Event) ([]delivery, error) {
	title := payloadString(ev.Payload, "task_title")
	number := payloadString(ev.Payload, "task_number")
	url := d.taskURL(ev.EntityID)

	// Creator self-receipt keeps the audit trail in the recipient's inbox.
	dels := []delivery{{
		UserID:    ev.ActorID,
		Type:      domain.EventTaskCreated,
		Title:     "Task created",
		Message:   fmt.Sprintf("Task %s %q was created", number, title),
		EntityTyp: "task",
		EntityID:  ev.EntityID,
		ActionURL: url,
	}}

	t, err := d.Repo.GetTask(ctx, ev.EntityID)
	if err != nil {
		return nil, err
	}
	if t.ClientVisible && t.RequiresClientApproval {
		p, err := d.Repo.GetProject(ctx, t.ProjectID)
		if err != nil {
			return nil, err
		}
		c, err := d.Repo.GetClient(ctx, p.ClientID)
		if err != nil {
			return nil, err
		}
		if c.PortalUserID != nil && *c.PortalUserID != ev.ActorID {
			dels = append(dels, delivery{
				UserID:    *c.PortalUserID,
				Type:      domain.EventClientApprovalRequired,
				Title:     "Approval required",
				Message:   fmt.Sprintf("Task %s %q requires your approval", number, title),
				EntityTyp: "task",
				EntityID:  ev.EntityID,
				ActionURL: url,
				WantEmail: true,
			})
		}
	}
	return dedupe(dels), nil
}

func (d Dispatcher) expandTaskAssigned(ev domain.Event) []delivery {
	title := payloadString(ev.Payload, "task_title")
	var dels []delivery
	for _, id := range payloadIDs(ev.Payload, "assigned_to") {
		dels = append(dels, delivery{
			UserID:    id,
			Type:      domain.EventTaskAssigned,
			Title:     "Task assigned",
			Message:   fmt.Sprintf("You were assigned to task %q", title),
			EntityTyp: "task",
			EntityID:  ev.EntityID,
			ActionURL: d.taskURL(ev.EntityID),
			WantEmail: true,
		})
	}
	return dedupe(dels)
}

// Comment fan-out: assignees, mentioned users, and the parent author for
// replies, minus the commenter. Union first, messages after.
func (d Dispatcher) expandCommentAdded(ctx context.Context, ev domain.Event) ([]delivery, error) {
	assignees, err := d.Repo.ActiveAssignees(ctx, ev.EntityID)
	if err != nil {
		return nil, err
	}
	recipients := map[int64]bool{}
	for _, id := range assignees {
		recipients[id] = true
	}
	for _, id := range payloadIDs(ev.Payload, "mentioned_users") {
		recipients[id] = true
	}
	if parent := payloadInt64(ev.Payload, "parent_author_id"); parent > 0 {
		recipients[parent] = true
	}
	delete(recipients, ev.ActorID)

	title := payloadString(ev.Payload, "task_title")
	var dels []delivery
	for id := range recipients {
		dels = append(dels, delivery{
			UserID:    id,
			Type:      domain.EventCommentAdded,
			Title:     "New comment",
			Message:   fmt.Sprintf("New comment on task %q", title),
			EntityTyp: "task",
			EntityID:  ev.EntityID,
			ActionURL: d.taskURL(ev.EntityID),
		})
	}
	return dels, nil
}

func (d Dispatcher) expandStatusChanged(ctx context.Context, ev domain.Event) ([]delivery, error) {
	title := payloadString(ev.Payload, "task_title")
	oldStatus := payloadString(ev.Payload, "old_status")
	newStatus := payloadString(ev.Payload, "new_status")
	msg := fmt.Sprintf("Task %q moved from %s to %s", title, oldStatus, newStatus)

	p, err := d.Repo.GetProject(ctx, payloadInt64(ev.Payload, "project_id"))
	if err != nil {
		return nil, err
	}
	// Owning principal gets a record even when they are the actor, the
	// same self-receipt rule task creation uses.
	dels := []delivery{{
		UserID:    p.ProjectManagerID,
		Type:      domain.EventTaskStatusChanged,
		Title:     "Task status changed",
		Message:   msg,
		EntityTyp: "task",
		EntityID:  ev.EntityID,
		ActionURL: d.taskURL(ev.EntityID),
	}}
	adminMsg := fmt.Sprintf("%s: task %q moved from %s to %s", p.Name, title, oldStatus, newStatus)
	dels, err = d.appendAdmins(ctx, dels, ev, domain.EventTaskStatusChanged, "Task status changed", adminMsg, "task", ev.EntityID, d.taskURL(ev.EntityID))
	if err != nil {
		return nil, err
	}
	return dedupe(dels), nil
}

func (d Dispatcher) expandMemberAdded(ctx context.Context, ev domain.Event) ([]delivery, error) {
	name := payloadString(ev.Payload, "project_name")
	memberID := payloadInt64(ev.Payload, "member_id")
	url := d.projectURL(ev.EntityID)

	var dels []delivery
	if memberID > 0 {
		dels = append(dels, delivery{
			UserID:    memberID,
			Type:      domain.EventMemberAdded,
			Title:     "Added to project",
			Message:   fmt.Sprintf("You were added to project %q", name),
			EntityTyp: "project",
			EntityID:  ev.EntityID,
			ActionURL: url,
		})
	}
	member, err := d.Repo.GetUser(ctx, memberID)
	if err != nil {
		return nil, err
	}
	adminMsg := fmt.Sprintf("%s was added to project %q", member.FullName, name)
	dels, err = d.appendAdmins(ctx, dels, ev, domain.EventMemberAdded, "Project member added", adminMsg, "project", ev.EntityID, url)
	if err != nil {
		return nil, err
	}
	return dedupe(dels), nil
}

func (d Dispatcher) expandProjectUpdated(ctx context.Context, ev domain.Event) ([]delivery, error) {
	name := payloadString(ev.Payload, "project_name")
	oldStatus := payloadString(ev.Payload, "old_status")
	newStatus := payloadString(ev.Payload, "new_status")
	url := d.projectURL(ev.EntityID)

	p, err := d.Repo.GetProject(ctx, ev.EntityID)
	if err != nil {
		return nil, err
	}
	dels := []delivery{{
		UserID:    p.ProjectManagerID,
		Type:      domain.EventProjectUpdated,
		Title:     "Project updated",
		Message:   fmt.Sprintf("Project %q moved from %s to %s", name, oldStatus, newStatus),
		EntityTyp: "project",
		EntityID:  ev.EntityID,
		ActionURL: url,
	}}
	adminMsg := fmt.Sprintf("Project %q moved from %s to %s", name, oldStatus, newStatus)
	dels, err = d.appendAdmins(ctx, dels, ev, domain.EventProjectUpdated, "Project updated", adminMsg, "project", ev.EntityID, url)
	if err != nil {
		return nil, err
	}
	return dedupe(dels), nil
}

// appendAdmins adds the admin fan-out recipients: every active Admin in
// the event's agency, each with the admin-tailored message. Admin emails
// get a distinguishing subject prefix.
func (d Dispatcher) appendAdmins(ctx context.Context, dels []delivery, ev domain.Event, typ, title, adminMsg, entityType string, entityID int64, url string) ([]delivery, error) {
	if !d.AdminFanout {
		return dels, nil
	}
	admins, err := d.Repo.ListActiveAdmins(ctx, ev.AgencyID)
	if err != nil {
		return nil, err
	}
	for _, a := range admins {
		if a.ID == ev.ActorID {
			continue
		}
		dels = append(dels, delivery{
			UserID:    a.ID,
			Type:      typ,
			Title:     "[Admin] " + title,
			Message:   adminMsg,
			EntityTyp: entityType,
			EntityID:  entityID,
			ActionURL: url,
		})
	}
	return dels, nil
}

// dedupe keeps the first delivery per recipient. Order of first
// appearance decides which variant wins, so owning-principal records
// take precedence over the admin variant for the same user.
func dedupe(dels []delivery) []delivery {
	seen := make(map[int64]bool, len(dels))
	out := dels[:0]
	for _, del := range dels {
		if seen[del.UserID] {
			continue
		}
		seen[del.UserID] = true
		out = append(out, del)
	}
	return out
}

func (d Dispatcher) taskURL(id int64) string {
	return fmt.Sprintf("%s/tasks/%d", d.BaseURL, id)
}

func (d Dispatcher) projectURL(id int64) string {
	return fmt.Sprintf("%s/projects/%d", d.BaseURL, id)
}

// Payload readers tolerate both in-process values and values decoded
// back from the event log's JSON.

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt64(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func payloadIDs(p map[string]any, key string) []int64 {
	switch v := p[key].(type) {
	case []int64:
		return v
	case []any:
		ids := make([]int64, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				ids = append(ids, int64(f))
			}
		}
		return ids
	}
	return nil
}
