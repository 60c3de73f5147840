package store

// Schemas returns the DDL applied at store open. All statements are
// idempotent so opening an existing database is a no-op.
func Schemas() []string {
	return []string{
		// Append-only audit trail. Every agent action lands here.
		`CREATE TABLE IF NOT EXISTS agent_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			request_id TEXT,
			event_type TEXT,
			event_id TEXT,
			tenant TEXT,
			source_row_id INTEGER,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_log_request
			ON agent_log(request_id)`,

		// High-water mark per (watcher, tenant). Never deleted.
		`CREATE TABLE IF NOT EXISTS watcher_state (
			watcher_name TEXT NOT NULL,
			tenant TEXT NOT NULL,
			last_seen_id INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			last_result TEXT,
			PRIMARY KEY (watcher_name, tenant)
		)`,

		// Durable outbox. UNIQUE(event_id) is the dedupe mechanism;
		// insert races resolve here, not in application code.
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			tenant TEXT NOT NULL,
			source_row_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			created_at TEXT NOT NULL,
			dispatched_at TEXT,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_pending
			ON event_outbox(tenant, status)`,

		// Claim markers. UNIQUE(tenant, source_row_id) makes concurrent
		// claimers return disjoint sets; claimed_at bounds the lease so a
		// crashed run's claims become reclaimable.
		`CREATE TABLE IF NOT EXISTS row_claims (
			tenant TEXT NOT NULL,
			source_row_id INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			claimed_at TEXT NOT NULL,
			PRIMARY KEY (tenant, source_row_id)
		)`,

		// Source table. Owned by the upstream system; created here only so
		// local and test databases are self-contained.
		`CREATE TABLE IF NOT EXISTS contact_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant TEXT NOT NULL,
			name TEXT,
			email TEXT,
			message TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contact_messages_tenant
			ON contact_messages(tenant, id)`,
	}
}
