package repo

import (
	"context"
	"database/sql"

	"agencydesk/internal/domain"
)

const notificationColumns = `notification_id, user_id, notification_type, title, message, entity_type, entity_id, action_url, sent_via_email, sent_via_push, is_read, read_at, created_at`

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(user_id, notification_type, title, message, entity_type, entity_id, action_url, sent_via_email, sent_via_push, is_read, created_at)
VALUES (?,?,?,?,?,?,?,?,?,0,?)`,
		n.UserID, n.Type, n.Title, n.Message, nullable(n.EntityType), zeroNullable(n.EntityID), nullable(n.ActionURL),
		n.SentViaEmail, n.SentViaPush, n.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type NotificationFilters struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

func (r Repo) ListNotifications(ctx context.Context, userID int64, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"user_id = ?"}
	args := []any{userID}
	if f.UnreadOnly {
		clauses = append(clauses, "is_read = 0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications ` + whereClause(clauses) +
		` ORDER BY created_at DESC, notification_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func scanNotification(scanner interface{ Scan(...any) error }) (domain.Notification, error) {
	var n domain.Notification
	var entityType, actionURL, readAt sql.NullString
	var entityID sql.NullInt64
	err := scanner.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &entityType, &entityID, &actionURL,
		&n.SentViaEmail, &n.SentViaPush, &n.IsRead, &readAt, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if entityType.Valid {
		n.EntityType = entityType.String
	}
	if entityID.Valid {
		n.EntityID = entityID.Int64
	}
	if actionURL.Valid {
		n.ActionURL = actionURL.String
	}
	if readAt.Valid {
		n.ReadAt = &readAt.String
	}
	return n, nil
}

// MarkNotificationRead marks one notification read, scoped to its owner.
func (r Repo) MarkNotificationRead(ctx context.Context, notificationID, userID int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1, read_at=? WHERE notification_id=? AND user_id=? AND is_read=0`,
		now, notificationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID int64, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1, read_at=? WHERE user_id=? AND is_read=0`, now, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteNotification(ctx context.Context, notificationID, userID int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE notification_id=? AND user_id=?`, notificationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountUnread(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE user_id=? AND is_read=0`, userID).Scan(&n)
	return n, err
}

// HasNotificationSince reports whether a notification of the given type for
// the same entity was already created for the user on or after sinceTS.
// The reminder sweep uses this to stay idempotent per day.
func (r Repo) HasNotificationSince(ctx context.Context, userID int64, entityType string, entityID int64, notificationType, sinceTS string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM notifications
WHERE user_id=? AND entity_type=? AND entity_id=? AND notification_type=? AND created_at >= ? LIMIT 1`,
		userID, entityType, entityID, notificationType, sinceTS).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func zeroNullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
