package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agencydesk/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes a domain event inside the mutation's transaction and
// returns the stamped event for post-commit dispatch. Mutation handlers
// emit events here instead of talking to notification channels directly.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, ev domain.Event) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TS == "" {
		ev.TS = now().UTC().Format(time.RFC3339)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return ev, fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(event_id,ts,type,agency_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.TS, ev.Type, nullableID(ev.AgencyID), ev.EntityKind, nullableID(ev.EntityID), ev.ActorID, string(data))
	return ev, err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
