package postgres

import "context"

// schema holds the engine-owned tables. Entity tables (leads, deals, ...)
// belong to the host application and are only written through
// UpdateEntityField and ChangeStage.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS business_rules (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		"trigger"   JSONB NOT NULL,
		conditions  JSONB NOT NULL,
		actions     JSONB NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 0,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		tenant_id   TEXT NOT NULL,
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_business_rules_tenant
		ON business_rules (tenant_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS rule_execution_log (
		execution_id      TEXT PRIMARY KEY,
		rule_id           TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		tenant_id         TEXT NOT NULL,
		status            TEXT NOT NULL,
		start_time        TIMESTAMPTZ NOT NULL,
		end_time          TIMESTAMPTZ NOT NULL,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT '',
		actions_executed  JSONB NOT NULL DEFAULT '[]'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_execution_log_rule
		ON rule_execution_log (rule_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS event_log (
		event_id           TEXT PRIMARY KEY,
		type               TEXT NOT NULL,
		entity_type        TEXT NOT NULL DEFAULT '',
		entity_id          TEXT NOT NULL DEFAULT '',
		payload            JSONB,
		timestamp          TIMESTAMPTZ NOT NULL,
		user_id            TEXT NOT NULL DEFAULT '',
		tenant_id          TEXT NOT NULL DEFAULT '',
		processed          BOOLEAN NOT NULL DEFAULT FALSE,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		error              TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_tenant
		ON event_log (tenant_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS event_definitions (
		type        TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		schema      JSONB,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS event_subscriptions (
		id            TEXT PRIMARY KEY,
		event_type    TEXT NOT NULL,
		subscriber_id TEXT NOT NULL DEFAULT '',
		endpoint      TEXT NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		filters       JSONB,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		assignee_id TEXT NOT NULL DEFAULT '',
		due_date    TEXT NOT NULL DEFAULT '',
		priority    TEXT NOT NULL DEFAULT 'medium',
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id   TEXT NOT NULL DEFAULT '',
		tenant_id   TEXT NOT NULL,
		created_by  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL DEFAULT '',
		title       TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		channel     TEXT NOT NULL DEFAULT 'system',
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id   TEXT NOT NULL DEFAULT '',
		tenant_id   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stage_changes (
		id            BIGSERIAL PRIMARY KEY,
		entity_type   TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		from_stage_id TEXT NOT NULL DEFAULT '',
		to_stage_id   TEXT NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		changed_by    TEXT NOT NULL DEFAULT '',
		tenant_id     TEXT NOT NULL,
		changed_at    TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
