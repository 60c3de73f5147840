package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// SourceRow is one record of the watched contact_messages table. The table
// itself is owned by the upstream system; this side only ever reads it.
type SourceRow struct {
	ID        int64          `json:"id"`
	Tenant    string         `json:"tenant"`
	Name      sql.NullString `json:"-"`
	Email     sql.NullString `json:"-"`
	Message   sql.NullString `json:"-"`
	CreatedAt sql.NullString `json:"-"`
}

// Fields returns the row content as a JSON-encodable document, used when
// events carry the full row.
func (r SourceRow) Fields() map[string]any {
	fields := map[string]any{
		"id":     r.ID,
		"tenant": r.Tenant,
	}
	if r.Name.Valid {
		fields["name"] = r.Name.String
	}
	if r.Email.Valid {
		fields["email"] = r.Email.String
	}
	if r.Message.Valid {
		fields["message"] = r.Message.String
	}
	if r.CreatedAt.Valid {
		fields["created_at"] = r.CreatedAt.String
	}
	return fields
}

// MarshalJSON emits the same document as Fields
func (r SourceRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// ClaimRows selects up to limit unobserved rows with id > afterID for the
// tenant and marks each with a claim keyed (tenant, source_row_id). SQLite
// has no SELECT ... FOR UPDATE SKIP LOCKED, so disjointness under
// concurrent runs comes from the claim table's primary key instead: the
// whole select-and-mark happens in one immediate transaction, and only rows
// whose claim insert took effect are returned. Claims older than lease are
// purged first so a run that died between claim and persist does not strand
// its rows forever.
func (s *Store) ClaimRows(ctx context.Context, tenant, runID string, afterID int64, limit int, lease time.Duration) ([]SourceRow, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	expiry := now.Add(-lease).Format(TimeFormat)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM row_claims WHERE tenant = ? AND claimed_at < ?`,
		tenant, expiry); err != nil {
		return nil, fmt.Errorf("failed to purge expired claims: %w", err)
	}

	// Candidates: above the watermark, not currently claimed.
	query, args, err := dialect.From(goqu.T("contact_messages").As("m")).
		Select("m.id", "m.tenant", "m.name", "m.email", "m.message", "m.created_at").
		Where(
			goqu.C("tenant").Table("m").Eq(tenant),
			goqu.C("id").Table("m").Gt(afterID),
			goqu.L("NOT EXISTS (SELECT 1 FROM row_claims c WHERE c.tenant = m.tenant AND c.source_row_id = m.id)"),
		).
		Order(goqu.C("id").Table("m").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable rows: %w", err)
	}
	candidates := make([]SourceRow, 0, limit)
	for rows.Next() {
		var r SourceRow
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Name, &r.Email, &r.Message, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source rows: %w", err)
	}

	// Mark each candidate; a row already claimed by a racing run is dropped
	// from this run's batch, not treated as an error.
	claimedAt := now.Format(TimeFormat)
	claimed := make([]SourceRow, 0, len(candidates))
	for _, r := range candidates {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO row_claims (tenant, source_row_id, run_id, claimed_at) VALUES (?, ?, ?, ?)`,
			tenant, r.ID, runID, claimedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to claim row %d: %w", r.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result for row %d: %w", r.ID, err)
		}
		if affected > 0 {
			claimed = append(claimed, r)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claims: %w", err)
	}
	return claimed, nil
}

// ReleaseClaims drops this run's claim markers. Called when a run fails
// between claim and persist so the rows become reclaimable immediately
// instead of waiting out the lease. Successful runs keep their markers;
// the advanced watermark makes them irrelevant and the lease purge
// collects them.
func (s *Store) ReleaseClaims(ctx context.Context, tenant, runID string) error {
	_, err := s.writeDB.ExecContext(ctx,
		`DELETE FROM row_claims WHERE tenant = ? AND run_id = ?`,
		tenant, runID)
	if err != nil {
		return fmt.Errorf("failed to release claims for run %s: %w", runID, err)
	}
	return nil
}

// InsertSourceRow adds a row to the watched table. Production rows arrive
// from the upstream system; this exists for fixtures and local development.
func (s *Store) InsertSourceRow(ctx context.Context, tenant, name, email, message string) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO contact_messages (tenant, name, email, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		tenant, name, email, message, time.Now().UTC().Format(TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to insert source row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted row id: %w", err)
	}
	return id, nil
}
