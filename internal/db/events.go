package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventDiscovered  EventKind = "discovered"
	EventCreated     EventKind = "created"
	EventStarted     EventKind = "started"
	EventStopped     EventKind = "stopped"
	EventChannelLost EventKind = "channel_lost"
)

// Event is one lifecycle transition of a workload.
type Event struct {
	ID         string    `json:"id"`
	WorkloadID string    `json:"workload_id"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const defaultEventLimit = 100

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Record(ctx context.Context, event *Event) error {
	if event.WorkloadID == "" {
		return fmt.Errorf("event workload id is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO workload_events (id, workload_id, kind, detail, seq, created_at)
VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM workload_events), ?)
`, event.ID, event.WorkloadID, string(event.Kind), event.Detail, formatTimestamp(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record %s event for %q: %w", event.Kind, event.WorkloadID, err)
	}
	return nil
}

// ListByWorkload returns the most recent events for workloadID, newest first.
func (r *EventRepo) ListByWorkload(ctx context.Context, workloadID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, workload_id, kind, detail, created_at
FROM workload_events
WHERE workload_id = ?
ORDER BY seq DESC
LIMIT ?
`, workloadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %q: %w", workloadID, err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var e Event
		var kind, createdAtRaw string
		if err := rows.Scan(&e.ID, &e.WorkloadID, &kind, &e.Detail, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.CreatedAt, err = parseTimestamp(createdAtRaw)
		if err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
