package storage

import (
	"context"
	"time"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
)

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Active      *bool
	TriggerKind rule.TriggerKind
}

// EventLogFilter narrows event log queries.
type EventLogFilter struct {
	EventType  string
	EntityType string
	EntityID   string
	TenantID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// RuleStore persists business rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error)
	UpdateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (rule.BusinessRule, error)
	ListRules(ctx context.Context, tenantID string, filter RuleFilter) ([]rule.BusinessRule, error)

	// GetActiveRulesForTenant returns active rules whose trigger could apply to
	// the given event type, ordered by priority descending. The caller is
	// expected to re-filter for exact trigger applicability.
	GetActiveRulesForTenant(ctx context.Context, tenantID, eventType string) ([]rule.BusinessRule, error)

	// GetScheduledRules returns every active schedule-triggered rule across
	// all tenants, for the cron scheduler.
	GetScheduledRules(ctx context.Context) ([]rule.BusinessRule, error)

	UpdateRuleMetadata(ctx context.Context, ruleID string, meta rule.Metadata) error
}

// ExecutionStore persists rule execution audit rows. Rows are immutable once
// inserted.
type ExecutionStore interface {
	InsertExecutionLog(ctx context.Context, exec rule.Execution) error
	ListExecutions(ctx context.Context, ruleID string) ([]rule.Execution, error)
}

// EventStore persists the event log, event definitions and subscriptions.
type EventStore interface {
	InsertEventLogEntry(ctx context.Context, entry event.LogEntry) error
	UpdateEventLogEntry(ctx context.Context, eventID string, processed bool, processingTime time.Duration, procErr string) error
	ListEventLog(ctx context.Context, filter EventLogFilter) ([]event.LogEntry, error)

	CreateEventDefinition(ctx context.Context, def event.Definition) (event.Definition, error)
	ListEventDefinitions(ctx context.Context) ([]event.Definition, error)

	CreateSubscription(ctx context.Context, sub event.Subscription) (event.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscriptions(ctx context.Context, eventType string) ([]event.Subscription, error)
}

// TaskRecord is a task created by a rule action.
type TaskRecord struct {
	ID          string
	Title       string
	Description string
	AssigneeID  string
	DueDate     string
	Priority    string
	EntityType  string
	EntityID    string
	TenantID    string
	CreatedBy   string
	Status      string
	CreatedAt   time.Time
}

// NotificationRecord is a notification created by a rule action.
type NotificationRecord struct {
	ID         string
	Kind       string
	Title      string
	Message    string
	UserID     string
	Channel    string
	EntityType string
	EntityID   string
	TenantID   string
	Status     string
	CreatedAt  time.Time
}

// StageChange audits a stage transition performed by a rule action.
type StageChange struct {
	EntityType  string
	EntityID    string
	FromStageID string
	ToStageID   string
	Reason      string
	ChangedBy   string
	TenantID    string
	ChangedAt   time.Time
}

// RecordStore is the action executor's write boundary into application data:
// tasks, notifications, entity field updates and stage transitions.
type RecordStore interface {
	CreateTask(ctx context.Context, task TaskRecord) (TaskRecord, error)
	CreateNotification(ctx context.Context, n NotificationRecord) (NotificationRecord, error)
	UpdateEntityField(ctx context.Context, tenantID, entityType, entityID, field string, value interface{}) error
	ChangeStage(ctx context.Context, change StageChange) error
}
