package store

const schemaVersion = 1

// schemaStatements is applied in order against a fresh database. Later
// versions would append migration steps gated on a schema_migrations row.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id                   TEXT PRIMARY KEY,
		prompt               TEXT NOT NULL,
		title                TEXT NOT NULL,
		from_type            TEXT NOT NULL,
		from_id              TEXT,
		from_display_name    TEXT,
		to_agent_id          TEXT,
		to_capabilities_json TEXT,
		to_workspace_id      TEXT,
		priority             TEXT NOT NULL DEFAULT 'normal',
		status               TEXT NOT NULL CHECK (status IN (
			'QUEUED','PENDING_ACK','ASSIGNED','IN_PROGRESS','IN_REVIEW',
			'APPROVED','COMPLETED','FAILED','BLOCKED','CANCELLED'
		)),
		assigned_to          TEXT,
		dependencies_json    TEXT,
		context_json         TEXT,
		response_message     TEXT,
		response_artifacts_json TEXT,
		response_diff        TEXT,
		created_at           INTEGER NOT NULL,
		completed_at         INTEGER,
		attempt              INTEGER NOT NULL DEFAULT 0,
		last_error_code      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority_created ON tasks(status, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS task_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      TEXT NOT NULL REFERENCES tasks(id),
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		metadata_json TEXT,
		message_type TEXT,
		reply_to     TEXT,
		is_read      INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, id)`,

	// review_comments is a read-oriented view over task_messages rather than
	// a distinct storage table: comments are, per the component design,
	// ordinary Task Messages tagged message_type='review_comment'. The view
	// exists so a direct "review_comments" table name shows up in the
	// schema the way the persisted layout describes it.
	`CREATE VIEW IF NOT EXISTS review_comments AS
		SELECT id, task_id, content, metadata_json, reply_to, is_read, created_at
		FROM task_messages
		WHERE message_type = 'review_comment'`,

	`CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL,
		capabilities_json TEXT,
		color            TEXT,
		workspace_type   TEXT,
		workspace_repo_id TEXT,
		workspace_branch TEXT,
		workspace_path   TEXT,
		created_at       INTEGER NOT NULL,
		source           TEXT,
		last_seen        INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_display_name_ci ON agents(display_name COLLATE NOCASE)`,

	// agent_heartbeats is an append-only audit trail; agents.last_seen
	// remains the source of truth the scheduler reads for staleness checks.
	`CREATE TABLE IF NOT EXISTS agent_heartbeats (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id   TEXT NOT NULL,
		seen_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_heartbeats_agent ON agent_heartbeats(agent_id, seen_at)`,

	`CREATE TABLE IF NOT EXISTS eviction_requests (
		agent_id   TEXT PRIMARY KEY,
		reason     TEXT,
		action     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,

	// task_events is an append-only ledger of every status transition, used
	// for the digest and for post-hoc debugging of a scheduler tick.
	`CREATE TABLE IF NOT EXISTS task_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL,
		run_id     TEXT,
		trace_id   TEXT,
		from_status TEXT,
		to_status  TEXT NOT NULL,
		reason     TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
}
