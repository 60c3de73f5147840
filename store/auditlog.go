package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Audit statuses
const (
	AuditOK    = "OK"
	AuditError = "ERROR"
)

// LogEntry is one append-only audit record. Entries are write-once.
type LogEntry struct {
	ID          int64
	TS          time.Time
	AgentName   string
	RequestID   string
	EventType   string
	EventID     string
	Tenant      string
	SourceRowID int64 // 0 = no row linkage
	Action      string
	Status      string
	Detail      map[string]any
	Error       string
}

// AppendLog writes one audit entry. The audit trail is a core guarantee:
// callers must treat a returned error as a run-level failure, not swallow it.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	var detail any
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = string(b)
	}
	var rowID any
	if e.SourceRowID != 0 {
		rowID = e.SourceRowID
	}

	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO agent_log
			(ts, agent_name, request_id, event_type, event_id, tenant, source_row_id, action, status, detail, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS.UTC().Format(TimeFormat), e.AgentName,
		nullable(e.RequestID), nullable(e.EventType), nullable(e.EventID), nullable(e.Tenant),
		rowID, e.Action, e.Status, detail, nullable(e.Error))
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// ListLogByRequest returns all audit entries for one run in insertion order
func (s *Store) ListLogByRequest(ctx context.Context, requestID string) ([]LogEntry, error) {
	query, args, err := dialect.From("agent_log").
		Select("id", "ts", "agent_name", "request_id", "event_type", "event_id",
			"tenant", "source_row_id", "action", "status", "detail", "error").
		Where(goqu.Ex{"request_id": requestID}).
		Order(goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		var requestID, eventType, eventID, tenant, detail, errText sql.NullString
		var sourceRowID sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.AgentName, &requestID, &eventType, &eventID,
			&tenant, &sourceRowID, &e.Action, &e.Status, &detail, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if parsed, err := time.Parse(TimeFormat, ts); err == nil {
			e.TS = parsed
		}
		e.RequestID = requestID.String
		e.EventType = eventType.String
		e.EventID = eventID.String
		e.Tenant = tenant.String
		e.SourceRowID = sourceRowID.Int64
		e.Error = errText.String
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
