// Package rule defines tenant-scoped business rules: what triggers them, the
// condition tree that gates them, and the actions they run.
package rule

import "time"

// TriggerKind classifies what activates a rule.
type TriggerKind string

const (
	TriggerEvent     TriggerKind = "event"
	TriggerSchedule  TriggerKind = "schedule"
	TriggerCondition TriggerKind = "condition"
)

// Trigger describes what makes a rule eligible for evaluation. Exactly one
// trigger exists per rule. Schedule triggers are fired by the scheduler and
// never matched on the event path.
type Trigger struct {
	Kind       TriggerKind `json:"type"`
	Event      string      `json:"event,omitempty"`    // "lead.created", "deal.*"
	Schedule   string      `json:"schedule,omitempty"` // cron expression
	Condition  *Condition  `json:"condition,omitempty"`
	EntityType string      `json:"entityType,omitempty"`
}

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
)

// ValueKind says how a condition's right operand is resolved.
type ValueKind string

const (
	ValueStatic         ValueKind = "static"
	ValueDynamic        ValueKind = "dynamic"
	ValueFieldReference ValueKind = "field_reference"
)

// Condition is one leaf predicate over an event payload field.
type Condition struct {
	Field     string      `json:"field"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
	ValueKind ValueKind   `json:"valueType"`
}

// ConditionGroup is a nested AND/OR boolean expression. An empty group
// evaluates to the operator's identity: AND -> true, OR -> false.
type ConditionGroup struct {
	Operator   string           `json:"operator"` // "AND" or "OR"
	Conditions []Condition      `json:"conditions"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// ActionKind identifies the side effect an action performs.
type ActionKind string

const (
	ActionEmail        ActionKind = "email"
	ActionTask         ActionKind = "task"
	ActionNotification ActionKind = "notification"
	ActionWebhook      ActionKind = "webhook"
	ActionUpdateField  ActionKind = "update_field"
	ActionChangeStage  ActionKind = "change_stage"
)

// Action is one unit of work within a rule. Delay and retry settings apply to
// this action alone.
type Action struct {
	ID         string                 `json:"id"`
	Kind       ActionKind             `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	Delay      time.Duration          `json:"delay,omitempty"`
	RetryCount int                    `json:"retryCount,omitempty"`
	RetryDelay time.Duration          `json:"retryDelay,omitempty"`
}

// Metadata carries per-rule execution aggregates maintained by the engine.
type Metadata struct {
	ExecutionCount       int           `json:"executionCount"`
	SuccessCount         int           `json:"successCount"`
	FailureCount         int           `json:"failureCount"`
	LastExecuted         time.Time     `json:"lastExecuted,omitempty"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	Tags                 []string      `json:"tags,omitempty"`
}

// BusinessRule is a tenant-scoped automation definition.
type BusinessRule struct {
	ID          string
	Name        string
	Description string
	Trigger     Trigger
	Conditions  ConditionGroup
	Actions     []Action
	Priority    int
	Active      bool
	TenantID    string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Metadata    Metadata
}

// ExecutionStatus is the lifecycle state of one rule execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ActionStatus is the lifecycle state of one action run.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// ActionExecution records one action's run within a rule execution.
type ActionExecution struct {
	ID         string
	ActionID   string
	Status     ActionStatus
	StartTime  time.Time
	EndTime    time.Time
	Result     map[string]interface{}
	Error      string
	RetryCount int
}

// Execution records one attempt to run a rule against one event, including
// the ordered outcomes of its actions. It is persisted once terminal and
// never deleted.
type Execution struct {
	ID              string
	RuleID          string
	EventID         string
	TenantID        string
	Status          ExecutionStatus
	StartTime       time.Time
	EndTime         time.Time
	ExecutionTime   time.Duration
	Error           string
	ActionsExecuted []ActionExecution
}
