package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// CursorState is one watcher_state row: the high-water mark for a
// (watcher, tenant) pair plus the last run's bookkeeping.
type CursorState struct {
	WatcherName string
	Tenant      string
	LastSeenID  int64
	LastRunAt   *time.Time
	LastResult  string
}

// GetCursor returns the current high-water mark for (watcher, tenant),
// initializing the row at 0 if it does not exist yet.
func (s *Store) GetCursor(ctx context.Context, watcher, tenant string) (int64, error) {
	query, args, err := dialect.From("watcher_state").
		Select("last_seen_id").
		Where(goqu.Ex{"watcher_name": watcher, "tenant": tenant}).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build cursor query: %w", err)
	}

	var lastSeen int64
	err = s.readDB.QueryRowContext(ctx, query, args...).Scan(&lastSeen)
	if err == nil {
		return lastSeen, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("failed to read cursor for %s/%s: %w", watcher, tenant, err)
	}

	_, err = s.writeDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO watcher_state (watcher_name, tenant, last_seen_id) VALUES (?, ?, 0)`,
		watcher, tenant)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize cursor for %s/%s: %w", watcher, tenant, err)
	}
	return 0, nil
}

// AdvanceCursor moves the high-water mark forward and records the run
// summary. The guard is monotonic: a concurrent run that already advanced
// past newLastSeen turns this into a no-op, reported as advanced=false.
// last_run_at is updated in both cases so idle tenants still show liveness.
func (s *Store) AdvanceCursor(ctx context.Context, watcher, tenant string, newLastSeen int64, resultJSON string) (bool, error) {
	now := time.Now().UTC().Format(TimeFormat)

	query, args, err := dialect.Update("watcher_state").
		Set(goqu.Record{
			"last_seen_id": newLastSeen,
			"last_run_at":  now,
			"last_result":  resultJSON,
		}).
		Where(goqu.Ex{"watcher_name": watcher, "tenant": tenant}).
		Where(goqu.C("last_seen_id").Lte(newLastSeen)).
		Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build cursor update: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor for %s/%s: %w", watcher, tenant, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cursor update result: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// Lost the race (or the row is missing). Still stamp the run.
	_, err = s.writeDB.ExecContext(ctx,
		`UPDATE watcher_state SET last_run_at = ?, last_result = ? WHERE watcher_name = ? AND tenant = ?`,
		now, resultJSON, watcher, tenant)
	if err != nil {
		return false, fmt.Errorf("failed to stamp run for %s/%s: %w", watcher, tenant, err)
	}
	return false, nil
}

// TouchCursor records a run that observed nothing: last_run_at and
// last_result change, last_seen_id does not.
func (s *Store) TouchCursor(ctx context.Context, watcher, tenant string, resultJSON string) error {
	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE watcher_state SET last_run_at = ?, last_result = ? WHERE watcher_name = ? AND tenant = ?`,
		time.Now().UTC().Format(TimeFormat), resultJSON, watcher, tenant)
	if err != nil {
		return fmt.Errorf("failed to touch cursor for %s/%s: %w", watcher, tenant, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
