// Package event defines the automation event model: the occurrences emitted by
// the application layer that drive rule processing, plus the catalog and
// subscription records around them.
package event

import "time"

// FieldChange records an old/new pair for one field of an updated entity.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// AutomationEvent is one occurrence in the domain. It is immutable once
// published; the engine only ever reads it.
type AutomationEvent struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
	UserID     string                 `json:"userId,omitempty"`
	TenantID   string                 `json:"tenantId"`
	Changes    map[string]FieldChange `json:"changes,omitempty"`
}

// Definition describes a known event type and the shape of its payload.
type Definition struct {
	Type        string
	EntityType  string
	Description string
	Schema      map[string]string
	Active      bool
}

// Subscription registers external interest in an event type. Delivery is
// best-effort; a failing subscriber never affects rule processing.
type Subscription struct {
	ID           string
	EventType    string
	SubscriberID string
	Endpoint     string
	Active       bool
	Filters      map[string]interface{}
	CreatedAt    time.Time
}

// LogEntry is the durable audit record of an event. It is written at
// ingestion with Processed=false and updated once the dispatcher finishes.
type LogEntry struct {
	EventID        string
	Type           string
	EntityType     string
	EntityID       string
	Payload        map[string]interface{}
	Timestamp      time.Time
	UserID         string
	TenantID       string
	Processed      bool
	ProcessingTime time.Duration
	Error          string
}

// DefaultDefinitions is the built-in event catalog, used when no definitions
// have been registered in storage.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Type: "lead.created", EntityType: "lead", Description: "New lead created", Active: true,
			Schema: map[string]string{"id": "string", "name": "string", "email": "string", "phone": "string", "source": "string", "temperature": "string"}},
		{Type: "lead.updated", EntityType: "lead", Description: "Lead information updated", Active: true,
			Schema: map[string]string{"id": "string", "changes": "object"}},
		{Type: "lead.stage_changed", EntityType: "lead", Description: "Lead moved to different stage", Active: true,
			Schema: map[string]string{"id": "string", "fromStageId": "string", "toStageId": "string"}},
		{Type: "deal.created", EntityType: "deal", Description: "New deal created", Active: true,
			Schema: map[string]string{"id": "string", "title": "string", "value": "number", "stageId": "string"}},
		{Type: "deal.stage_changed", EntityType: "deal", Description: "Deal moved to different stage", Active: true,
			Schema: map[string]string{"id": "string", "fromStageId": "string", "toStageId": "string"}},
		{Type: "deal.won", EntityType: "deal", Description: "Deal marked as won", Active: true,
			Schema: map[string]string{"id": "string", "value": "number", "wonDate": "string"}},
		{Type: "deal.lost", EntityType: "deal", Description: "Deal marked as lost", Active: true,
			Schema: map[string]string{"id": "string", "reason": "string", "lostDate": "string"}},
		{Type: "contact.created", EntityType: "contact", Description: "New contact created", Active: true,
			Schema: map[string]string{"id": "string", "name": "string", "email": "string", "company": "string"}},
		{Type: "task.created", EntityType: "task", Description: "New task created", Active: true,
			Schema: map[string]string{"id": "string", "title": "string", "assigneeId": "string", "dueDate": "string"}},
		{Type: "task.completed", EntityType: "task", Description: "Task marked as completed", Active: true,
			Schema: map[string]string{"id": "string", "completedDate": "string", "completedBy": "string"}},
		{Type: "task.overdue", EntityType: "task", Description: "Task is overdue", Active: true,
			Schema: map[string]string{"id": "string", "dueDate": "string", "daysOverdue": "number"}},
	}
}
