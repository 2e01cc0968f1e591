package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one audit entry, appended in the same transaction as the mutation it describes.
type Record struct {
	Type       string
	ServiceID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Clock returns the writer's current time in UTC.
func (w Writer) Clock() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	ts := w.Clock().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,service_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.ServiceID), rec.EntityKind, nullable(rec.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
