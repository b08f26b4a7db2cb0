package events

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends rows to the events table inside the caller's transaction.
// The table is insert-only; nothing in the codebase updates or deletes it.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record carries the state-change fields of one event.
type Record struct {
	EntityType    string
	EntityID      string
	EventType     string
	PreviousState string
	NewState      string
	ActorID       string
	Reason        string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,entity_type,entity_id,event_type,previous_state,new_state,actor_id,reason) VALUES (?,?,?,?,?,?,?,?)`,
		ts, rec.EntityType, rec.EntityID, rec.EventType, nullable(rec.PreviousState), nullable(rec.NewState), rec.ActorID, nullable(rec.Reason))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
