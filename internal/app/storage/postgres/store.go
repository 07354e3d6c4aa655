package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Rule
// configuration (trigger, conditions, actions, metadata) is stored as JSON
// documents; the engine never queries inside them beyond the trigger event.
type Store struct {
	db *sqlx.DB
}

var _ storage.RuleStore = (*Store)(nil)
var _ storage.ExecutionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.RecordStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- RuleStore ---------------------------------------------------------------

type ruleRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Trigger     []byte    `db:"trigger"`
	Conditions  []byte    `db:"conditions"`
	Actions     []byte    `db:"actions"`
	Priority    int       `db:"priority"`
	IsActive    bool      `db:"is_active"`
	TenantID    string    `db:"tenant_id"`
	CreatedBy   string    `db:"created_by"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	Metadata    []byte    `db:"metadata"`
}

func (row ruleRow) toDomain() (rule.BusinessRule, error) {
	r := rule.BusinessRule{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Priority:    row.Priority,
		Active:      row.IsActive,
		TenantID:    row.TenantID,
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Trigger, &r.Trigger); err != nil {
		return rule.BusinessRule{}, err
	}
	if err := json.Unmarshal(row.Conditions, &r.Conditions); err != nil {
		return rule.BusinessRule{}, err
	}
	if err := json.Unmarshal(row.Actions, &r.Actions); err != nil {
		return rule.BusinessRule{}, err
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &r.Metadata); err != nil {
			return rule.BusinessRule{}, err
		}
	}
	return r, nil
}

func (s *Store) CreateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	triggerJSON, conditionsJSON, actionsJSON, metadataJSON, err := marshalRuleDocs(r)
	if err != nil {
		return rule.BusinessRule{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_rules (id, name, description, "trigger", conditions, actions,
			priority, is_active, tenant_id, created_by, created_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.Name, r.Description, triggerJSON, conditionsJSON, actionsJSON,
		r.Priority, r.Active, r.TenantID, r.CreatedBy, r.CreatedAt, r.UpdatedAt, metadataJSON)
	if err != nil {
		return rule.BusinessRule{}, err
	}
	return r, nil
}

func (s *Store) UpdateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	existing, err := s.GetRule(ctx, r.ID)
	if err != nil {
		return rule.BusinessRule{}, err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	triggerJSON, conditionsJSON, actionsJSON, metadataJSON, err := marshalRuleDocs(r)
	if err != nil {
		return rule.BusinessRule{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE business_rules
		SET name = $2, description = $3, "trigger" = $4, conditions = $5, actions = $6,
			priority = $7, is_active = $8, updated_at = $9, metadata = $10
		WHERE id = $1
	`, r.ID, r.Name, r.Description, triggerJSON, conditionsJSON, actionsJSON,
		r.Priority, r.Active, r.UpdatedAt, metadataJSON)
	if err != nil {
		return rule.BusinessRule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return rule.BusinessRule{}, sql.ErrNoRows
	}
	return r, nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM business_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id string) (rule.BusinessRule, error) {
	var row ruleRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, name, description, "trigger", conditions, actions, priority,
			is_active, tenant_id, created_by, created_at, updated_at, metadata
		FROM business_rules
		WHERE id = $1
	`, id); err != nil {
		return rule.BusinessRule{}, err
	}
	return row.toDomain()
}

func (s *Store) ListRules(ctx context.Context, tenantID string, filter storage.RuleFilter) ([]rule.BusinessRule, error) {
	query := `
		SELECT id, name, description, "trigger", conditions, actions, priority,
			is_active, tenant_id, created_by, created_at, updated_at, metadata
		FROM business_rules
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += ` AND is_active = $2`
	}
	query += ` ORDER BY priority DESC, created_at`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]rule.BusinessRule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		if filter.TriggerKind != "" && r.Trigger.Kind != filter.TriggerKind {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) GetActiveRulesForTenant(ctx context.Context, tenantID, eventType string) ([]rule.BusinessRule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, description, "trigger", conditions, actions, priority,
			is_active, tenant_id, created_by, created_at, updated_at, metadata
		FROM business_rules
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND "trigger"->>'type' IN ('event', 'condition')
		ORDER BY priority DESC, created_at
	`, tenantID); err != nil {
		return nil, err
	}

	result := make([]rule.BusinessRule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) GetScheduledRules(ctx context.Context) ([]rule.BusinessRule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, description, "trigger", conditions, actions, priority,
			is_active, tenant_id, created_by, created_at, updated_at, metadata
		FROM business_rules
		WHERE is_active = TRUE
		  AND "trigger"->>'type' = 'schedule'
		ORDER BY priority DESC, created_at
	`); err != nil {
		return nil, err
	}

	result := make([]rule.BusinessRule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) UpdateRuleMetadata(ctx context.Context, ruleID string, meta rule.Metadata) error {
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE business_rules SET metadata = $2 WHERE id = $1
	`, ruleID, metadataJSON)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func marshalRuleDocs(r rule.BusinessRule) (trigger, conditions, actions, metadata []byte, err error) {
	if trigger, err = json.Marshal(r.Trigger); err != nil {
		return
	}
	if conditions, err = json.Marshal(r.Conditions); err != nil {
		return
	}
	if actions, err = json.Marshal(r.Actions); err != nil {
		return
	}
	metadata, err = json.Marshal(r.Metadata)
	return
}

// --- ExecutionStore ----------------------------------------------------------

func (s *Store) InsertExecutionLog(ctx context.Context, exec rule.Execution) error {
	actionsJSON, err := json.Marshal(exec.ActionsExecuted)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_execution_log (execution_id, rule_id, event_id, tenant_id,
			status, start_time, end_time, execution_time_ms, error, actions_executed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, exec.ID, exec.RuleID, exec.EventID, exec.TenantID, string(exec.Status),
		exec.StartTime, exec.EndTime, exec.ExecutionTime.Milliseconds(), exec.Error, actionsJSON)
	return err
}

func (s *Store) ListExecutions(ctx context.Context, ruleID string) ([]rule.Execution, error) {
	type execRow struct {
		ID            string    `db:"execution_id"`
		RuleID        string    `db:"rule_id"`
		EventID       string    `db:"event_id"`
		TenantID      string    `db:"tenant_id"`
		Status        string    `db:"status"`
		StartTime     time.Time `db:"start_time"`
		EndTime       time.Time `db:"end_time"`
		ExecutionMS   int64     `db:"execution_time_ms"`
		Error         string    `db:"error"`
		ActionsRaw    []byte    `db:"actions_executed"`
	}

	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT execution_id, rule_id, event_id, tenant_id, status, start_time,
			end_time, execution_time_ms, error, actions_executed
		FROM rule_execution_log
		WHERE rule_id = $1
		ORDER BY start_time
	`, ruleID); err != nil {
		return nil, err
	}

	result := make([]rule.Execution, 0, len(rows))
	for _, row := range rows {
		exec := rule.Execution{
			ID:            row.ID,
			RuleID:        row.RuleID,
			EventID:       row.EventID,
			TenantID:      row.TenantID,
			Status:        rule.ExecutionStatus(row.Status),
			StartTime:     row.StartTime,
			EndTime:       row.EndTime,
			ExecutionTime: time.Duration(row.ExecutionMS) * time.Millisecond,
			Error:         row.Error,
		}
		if len(row.ActionsRaw) > 0 {
			if err := json.Unmarshal(row.ActionsRaw, &exec.ActionsExecuted); err != nil {
				return nil, err
			}
		}
		result = append(result, exec)
	}
	return result, nil
}

// --- EventStore --------------------------------------------------------------

func (s *Store) InsertEventLogEntry(ctx context.Context, entry event.LogEntry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, type, entity_type, entity_id, payload,
			timestamp, user_id, tenant_id, processed, processing_time_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.EventID, entry.Type, entry.EntityType, entry.EntityID, payloadJSON,
		entry.Timestamp, entry.UserID, entry.TenantID, entry.Processed,
		entry.ProcessingTime.Milliseconds(), entry.Error)
	return err
}

func (s *Store) UpdateEventLogEntry(ctx context.Context, eventID string, processed bool, processingTime time.Duration, procErr string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE event_log
		SET processed = $2, processing_time_ms = $3, error = $4
		WHERE event_id = $1
	`, eventID, processed, processingTime.Milliseconds(), procErr)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListEventLog(ctx context.Context, filter storage.EventLogFilter) ([]event.LogEntry, error) {
	query := `
		SELECT event_id, type, entity_type, entity_id, payload, timestamp,
			user_id, tenant_id, processed, processing_time_ms, error
		FROM event_log
		WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.EventType != "" {
		query += ` AND type = ` + arg(filter.EventType)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ` + arg(filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ` + arg(filter.EntityID)
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ` + arg(filter.TenantID)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ` + arg(filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp <= ` + arg(filter.Until)
	}
	query += ` ORDER BY timestamp DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	type logRow struct {
		EventID      string    `db:"event_id"`
		Type         string    `db:"type"`
		EntityType   string    `db:"entity_type"`
		EntityID     string    `db:"entity_id"`
		Payload      []byte    `db:"payload"`
		Timestamp    time.Time `db:"timestamp"`
		UserID       string    `db:"user_id"`
		TenantID     string    `db:"tenant_id"`
		Processed    bool      `db:"processed"`
		ProcessingMS int64     `db:"processing_time_ms"`
		Error        string    `db:"error"`
	}

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]event.LogEntry, 0, len(rows))
	for _, row := range rows {
		entry := event.LogEntry{
			EventID:        row.EventID,
			Type:           row.Type,
			EntityType:     row.EntityType,
			EntityID:       row.EntityID,
			Timestamp:      row.Timestamp,
			UserID:         row.UserID,
			TenantID:       row.TenantID,
			Processed:      row.Processed,
			ProcessingTime: time.Duration(row.ProcessingMS) * time.Millisecond,
			Error:          row.Error,
		}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &entry.Payload); err != nil {
				return nil, err
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateEventDefinition(ctx context.Context, def event.Definition) (event.Definition, error) {
	schemaJSON, err := json.Marshal(def.Schema)
	if err != nil {
		return event.Definition{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_definitions (type, entity_type, description, schema, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (type) DO UPDATE
		SET entity_type = EXCLUDED.entity_type, description = EXCLUDED.description,
			schema = EXCLUDED.schema, is_active = EXCLUDED.is_active
	`, def.Type, def.EntityType, def.Description, schemaJSON, def.Active)
	if err != nil {
		return event.Definition{}, err
	}
	return def, nil
}

func (s *Store) ListEventDefinitions(ctx context.Context) ([]event.Definition, error) {
	type defRow struct {
		Type        string `db:"type"`
		EntityType  string `db:"entity_type"`
		Description string `db:"description"`
		Schema      []byte `db:"schema"`
		IsActive    bool   `db:"is_active"`
	}

	var rows []defRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT type, entity_type, description, schema, is_active
		FROM event_definitions
		WHERE is_active = TRUE
		ORDER BY type
	`); err != nil {
		return nil, err
	}

	result := make([]event.Definition, 0, len(rows))
	for _, row := range rows {
		def := event.Definition{
			Type:        row.Type,
			EntityType:  row.EntityType,
			Description: row.Description,
			Active:      row.IsActive,
		}
		if len(row.Schema) > 0 {
			if err := json.Unmarshal(row.Schema, &def.Schema); err != nil {
				return nil, err
			}
		}
		result = append(result, def)
	}
	return result, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now().UTC()

	filtersJSON, err := json.Marshal(sub.Filters)
	if err != nil {
		return event.Subscription{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions (id, event_type, subscriber_id, endpoint,
			is_active, filters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.EventType, sub.SubscriberID, sub.Endpoint, sub.Active, filtersJSON, sub.CreatedAt)
	if err != nil {
		return event.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetSubscriptions(ctx context.Context, eventType string) ([]event.Subscription, error) {
	type subRow struct {
		ID           string    `db:"id"`
		EventType    string    `db:"event_type"`
		SubscriberID string    `db:"subscriber_id"`
		Endpoint     string    `db:"endpoint"`
		IsActive     bool      `db:"is_active"`
		Filters      []byte    `db:"filters"`
		CreatedAt    time.Time `db:"created_at"`
	}

	query := `
		SELECT id, event_type, subscriber_id, endpoint, is_active, filters, created_at
		FROM event_subscriptions
		WHERE is_active = TRUE`
	var args []interface{}
	if eventType != "" {
		query += ` AND event_type = $1`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at`

	var rows []subRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]event.Subscription, 0, len(rows))
	for _, row := range rows {
		sub := event.Subscription{
			ID:           row.ID,
			EventType:    row.EventType,
			SubscriberID: row.SubscriberID,
			Endpoint:     row.Endpoint,
			Active:       row.IsActive,
			CreatedAt:    row.CreatedAt,
		}
		if len(row.Filters) > 0 {
			if err := json.Unmarshal(row.Filters, &sub.Filters); err != nil {
				return nil, err
			}
		}
		result = append(result, sub)
	}
	return result, nil
}

// --- RecordStore -------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, task storage.TaskRecord) (storage.TaskRecord, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, assignee_id, due_date, priority,
			entity_type, entity_id, tenant_id, created_by, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, task.ID, task.Title, task.Description, task.AssigneeID, task.DueDate, task.Priority,
		task.EntityType, task.EntityID, task.TenantID, task.CreatedBy, task.Status, task.CreatedAt)
	if err != nil {
		return storage.TaskRecord{}, err
	}
	return task, nil
}

func (s *Store) CreateNotification(ctx context.Context, n storage.NotificationRecord) (storage.NotificationRecord, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, title, message, user_id, channel,
			entity_type, entity_id, tenant_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, n.ID, n.Kind, n.Title, n.Message, n.UserID, n.Channel,
		n.EntityType, n.EntityID, n.TenantID, n.Status, n.CreatedAt)
	if err != nil {
		return storage.NotificationRecord{}, err
	}
	return n, nil
}

var entityTables = map[string]string{
	"lead":    "leads",
	"deal":    "deals",
	"contact": "contacts",
	"company": "companies",
	"task":    "tasks",
}

func tableForEntityType(entityType string) string {
	if table, ok := entityTables[entityType]; ok {
		return table
	}
	return entityType
}

func (s *Store) UpdateEntityField(ctx context.Context, tenantID, entityType, entityID, field string, value interface{}) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	// Field names come from rule definitions, not request input; they are still
	// applied via jsonb_set rather than interpolated into the column list.
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+tableForEntityType(entityType)+`
		SET fields = jsonb_set(COALESCE(fields, '{}'::jsonb), ARRAY[$3], $4::jsonb),
			updated_at = $5
		WHERE id = $1 AND tenant_id = $2
	`, entityID, tenantID, field, valueJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ChangeStage(ctx context.Context, change storage.StageChange) error {
	change.ChangedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE `+tableForEntityType(change.EntityType)+`
		SET stage_id = $3, updated_at = $4
		WHERE id = $1 AND tenant_id = $2
	`, change.EntityID, change.TenantID, change.ToStageID, change.ChangedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_changes (entity_type, entity_id, from_stage_id, to_stage_id,
			reason, changed_by, tenant_id, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, change.EntityType, change.EntityID, change.FromStageID, change.ToStageID,
		change.Reason, change.ChangedBy, change.TenantID, change.ChangedAt)
	return err
}

