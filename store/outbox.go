package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Outbox event statuses
const (
	StatusNew        = "NEW"
	StatusDispatched = "DISPATCHED"
	StatusError      = "ERROR"
)

// OutboxEvent is one durable event derived from a source row. event_id is
// deterministic ("<event_type>:<tenant>:<source_row_id>"), which is what
// makes insertion idempotent.
type OutboxEvent struct {
	ID           int64
	EventID      string
	EventType    string
	Tenant       string
	SourceRowID  int64
	Payload      string
	Status       string
	CreatedAt    time.Time
	DispatchedAt *time.Time
	LastError    *string
}

// InsertOutboxEvent persists an event unless one with the same event_id
// already exists. The dedupe is the UNIQUE constraint, never a
// check-then-insert, so racing runs cannot both insert. Returns true when
// this call inserted the row.
func (s *Store) InsertOutboxEvent(ctx context.Context, ev OutboxEvent) (bool, error) {
	res, err := s.writeDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_outbox
			(event_id, event_type, tenant, source_row_id, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.Tenant, ev.SourceRowID, ev.Payload,
		StatusNew, time.Now().UTC().Format(TimeFormat))
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox event %s: %w", ev.EventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read outbox insert result: %w", err)
	}
	return affected > 0, nil
}

// ListPendingEvents returns the tenant's NEW and ERROR events in creation
// order. These are the events the next dispatch pass attempts.
func (s *Store) ListPendingEvents(ctx context.Context, tenant string) ([]OutboxEvent, error) {
	query, args, err := dialect.From("event_outbox").
		Select("id", "event_id", "event_type", "tenant", "source_row_id",
			"payload", "status", "created_at", "dispatched_at", "last_error").
		Where(goqu.Ex{
			"tenant": tenant,
			"status": []string{StatusNew, StatusError},
		}).
		Order(goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending events query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending events: %w", err)
	}
	return events, nil
}

// GetOutboxEvent fetches one event by its deterministic identifier
func (s *Store) GetOutboxEvent(ctx context.Context, eventID string) (OutboxEvent, error) {
	query, args, err := dialect.From("event_outbox").
		Select("id", "event_id", "event_type", "tenant", "source_row_id",
			"payload", "status", "created_at", "dispatched_at", "last_error").
		Where(goqu.Ex{"event_id": eventID}).
		Prepared(true).ToSQL()
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to build outbox query: %w", err)
	}
	row := s.readDB.QueryRowContext(ctx, query, args...)
	ev, err := scanOutboxEvent(row)
	if err != nil {
		return OutboxEvent{}, err
	}
	return ev, nil
}

// MarkDispatched transitions an event to DISPATCHED and clears any prior
// error. DISPATCHED is terminal: an event already there is never demoted.
func (s *Store) MarkDispatched(ctx context.Context, eventID string, dispatchedAt time.Time) error {
	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE event_outbox
		    SET status = ?, dispatched_at = ?, last_error = NULL
		  WHERE event_id = ? AND status != ?`,
		StatusDispatched, dispatchedAt.UTC().Format(TimeFormat), eventID, StatusDispatched)
	if err != nil {
		return fmt.Errorf("failed to mark event %s dispatched: %w", eventID, err)
	}
	return nil
}

// MarkError records a delivery failure. The event stays pending and is
// retried by the next run. An event that already reached DISPATCHED is
// left alone.
func (s *Store) MarkError(ctx context.Context, eventID string, errText string) error {
	if len(errText) > 4000 {
		errText = errText[:4000]
	}
	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE event_outbox
		    SET status = ?, last_error = ?
		  WHERE event_id = ? AND status != ?`,
		StatusError, errText, eventID, StatusDispatched)
	if err != nil {
		return fmt.Errorf("failed to mark event %s errored: %w", eventID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEvent(r rowScanner) (OutboxEvent, error) {
	var ev OutboxEvent
	var createdAt string
	var dispatchedAt, lastError sql.NullString
	if err := r.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.Tenant, &ev.SourceRowID,
		&ev.Payload, &ev.Status, &createdAt, &dispatchedAt, &lastError); err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	if ts, err := time.Parse(TimeFormat, createdAt); err == nil {
		ev.CreatedAt = ts
	}
	if dispatchedAt.Valid {
		if ts, err := time.Parse(TimeFormat, dispatchedAt.String); err == nil {
			ev.DispatchedAt = &ts
		}
	}
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	return ev, nil
}
