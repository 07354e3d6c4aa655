package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	rules         map[string]rule.BusinessRule
	executions    map[string][]rule.Execution // keyed by rule ID
	eventLog      map[string]event.LogEntry   // keyed by event ID
	eventLogOrder []string
	definitions   map[string]event.Definition
	subscriptions map[string]event.Subscription
	tasks         map[string]storage.TaskRecord
	notifications map[string]storage.NotificationRecord
	entityFields  map[string]map[string]interface{} // entityType/entityID -> field -> value
	stageChanges  []storage.StageChange
}

var _ storage.RuleStore = (*Store)(nil)
var _ storage.ExecutionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.RecordStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:        1,
		rules:         make(map[string]rule.BusinessRule),
		executions:    make(map[string][]rule.Execution),
		eventLog:      make(map[string]event.LogEntry),
		definitions:   make(map[string]event.Definition),
		subscriptions: make(map[string]event.Subscription),
		tasks:         make(map[string]storage.TaskRecord),
		notifications: make(map[string]storage.NotificationRecord),
		entityFields:  make(map[string]map[string]interface{}),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// RuleStore implementation ----------------------------------------------------

func (s *Store) CreateRule(_ context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.nextIDLocked()
	} else if _, exists := s.rules[r.ID]; exists {
		return rule.BusinessRule{}, fmt.Errorf("rule %s already exists", r.ID)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.rules[r.ID] = cloneRule(r)
	return cloneRule(r), nil
}

func (s *Store) UpdateRule(_ context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.rules[r.ID]
	if !ok {
		return rule.BusinessRule{}, fmt.Errorf("rule %s not found", r.ID)
	}

	r.CreatedAt = original.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	s.rules[r.ID] = cloneRule(r)
	return cloneRule(r), nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (rule.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return rule.BusinessRule{}, fmt.Errorf("rule %s not found", id)
	}
	return cloneRule(r), nil
}

func (s *Store) ListRules(_ context.Context, tenantID string, filter storage.RuleFilter) ([]rule.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []rule.BusinessRule
	for _, r := range s.rules {
		if r.TenantID != tenantID {
			continue
		}
		if filter.Active != nil && r.Active != *filter.Active {
			continue
		}
		if filter.TriggerKind != "" && r.Trigger.Kind != filter.TriggerKind {
			continue
		}
		result = append(result, cloneRule(r))
	}
	sortByPriority(result)
	return result, nil
}

func (s *Store) GetActiveRulesForTenant(_ context.Context, tenantID, eventType string) ([]rule.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []rule.BusinessRule
	for _, r := range s.rules {
		if !r.Active || r.TenantID != tenantID {
			continue
		}
		switch r.Trigger.Kind {
		case rule.TriggerCondition:
			// Condition triggers are evaluated per event by the matcher.
			result = append(result, cloneRule(r))
		case rule.TriggerEvent:
			// Wildcard and entity-typed triggers are returned broadly; the
			// matcher re-filters against the event's actual entity type,
			// which an event type like "hot_lead_alert" does not encode.
			if r.Trigger.Event == eventType ||
				strings.HasSuffix(r.Trigger.Event, ".*") ||
				r.Trigger.EntityType != "" {
				result = append(result, cloneRule(r))
			}
		}
	}
	sortByPriority(result)
	return result, nil
}

func (s *Store) GetScheduledRules(_ context.Context) ([]rule.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []rule.BusinessRule
	for _, r := range s.rules {
		if r.Active && r.Trigger.Kind == rule.TriggerSchedule {
			result = append(result, cloneRule(r))
		}
	}
	sortByPriority(result)
	return result, nil
}

func (s *Store) UpdateRuleMetadata(_ context.Context, ruleID string, meta rule.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return fmt.Errorf("rule %s not found", ruleID)
	}
	r.Metadata = meta
	r.Metadata.Tags = append([]string(nil), meta.Tags...)
	s.rules[ruleID] = r
	return nil
}

// ExecutionStore implementation -----------------------------------------------

func (s *Store) InsertExecutionLog(_ context.Context, exec rule.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec.ActionsExecuted = append([]rule.ActionExecution(nil), exec.ActionsExecuted...)
	s.executions[exec.RuleID] = append(s.executions[exec.RuleID], exec)
	return nil
}

func (s *Store) ListExecutions(_ context.Context, ruleID string) ([]rule.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]rule.Execution(nil), s.executions[ruleID]...), nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) InsertEventLogEntry(_ context.Context, entry event.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.eventLog[entry.EventID]; exists {
		return fmt.Errorf("event log entry %s already exists", entry.EventID)
	}
	entry.Payload = cloneMap(entry.Payload)
	s.eventLog[entry.EventID] = entry
	s.eventLogOrder = append(s.eventLogOrder, entry.EventID)
	return nil
}

func (s *Store) UpdateEventLogEntry(_ context.Context, eventID string, processed bool, processingTime time.Duration, procErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.eventLog[eventID]
	if !ok {
		return fmt.Errorf("event log entry %s not found", eventID)
	}
	entry.Processed = processed
	entry.ProcessingTime = processingTime
	entry.Error = procErr
	s.eventLog[eventID] = entry
	return nil
}

func (s *Store) ListEventLog(_ context.Context, filter storage.EventLogFilter) ([]event.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []event.LogEntry
	for i := len(s.eventLogOrder) - 1; i >= 0; i-- {
		entry := s.eventLog[s.eventLogOrder[i]]
		if filter.EventType != "" && entry.Type != filter.EventType {
			continue
		}
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
			continue
		}
		entry.Payload = cloneMap(entry.Payload)
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateEventDefinition(_ context.Context, def event.Definition) (event.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.Type == "" {
		return event.Definition{}, fmt.Errorf("event definition type is required")
	}
	s.definitions[def.Type] = def
	return def, nil
}

func (s *Store) ListEventDefinitions(_ context.Context) ([]event.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result, nil
}

func (s *Store) CreateSubscription(_ context.Context, sub event.Subscription) (event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = s.nextIDLocked()
	} else if _, exists := s.subscriptions[sub.ID]; exists {
		return event.Subscription{}, fmt.Errorf("subscription %s already exists", sub.ID)
	}
	sub.CreatedAt = time.Now().UTC()
	sub.Filters = cloneMap(sub.Filters)
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *Store) GetSubscriptions(_ context.Context, eventType string) ([]event.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []event.Subscription
	for _, sub := range s.subscriptions {
		if sub.Active && (eventType == "" || sub.EventType == eventType) {
			sub.Filters = cloneMap(sub.Filters)
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RecordStore implementation --------------------------------------------------

func (s *Store) CreateTask(_ context.Context, task storage.TaskRecord) (storage.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = s.nextIDLocked()
	}
	task.CreatedAt = time.Now().UTC()
	s.tasks[task.ID] = task
	return task, nil
}

func (s *Store) CreateNotification(_ context.Context, n storage.NotificationRecord) (storage.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = s.nextIDLocked()
	}
	n.CreatedAt = time.Now().UTC()
	s.notifications[n.ID] = n
	return n, nil
}

func (s *Store) UpdateEntityField(_ context.Context, tenantID, entityType, entityID, field string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + entityType + "/" + entityID
	fields, ok := s.entityFields[key]
	if !ok {
		fields = make(map[string]interface{})
		s.entityFields[key] = fields
	}
	fields[field] = value
	return nil
}

func (s *Store) ChangeStage(_ context.Context, change storage.StageChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	change.ChangedAt = time.Now().UTC()
	s.stageChanges = append(s.stageChanges, change)

	key := change.TenantID + "/" + change.EntityType + "/" + change.EntityID
	fields, ok := s.entityFields[key]
	if !ok {
		fields = make(map[string]interface{})
		s.entityFields[key] = fields
	}
	fields["stage_id"] = change.ToStageID
	return nil
}

// Test inspection helpers -----------------------------------------------------

// Tasks returns all task records, ordered by ID.
func (s *Store) Tasks() []storage.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Notifications returns all notification records, ordered by ID.
func (s *Store) Notifications() []storage.NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.NotificationRecord, 0, len(s.notifications))
	for _, n := range s.notifications {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// EntityField returns the current value of a field written by an action.
func (s *Store) EntityField(tenantID, entityType, entityID, field string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.entityFields[tenantID+"/"+entityType+"/"+entityID]
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// StageChanges returns the recorded stage transitions.
func (s *Store) StageChanges() []storage.StageChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.StageChange(nil), s.stageChanges...)
}

// Helpers ---------------------------------------------------------------------

func sortByPriority(rules []rule.BusinessRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

func cloneRule(r rule.BusinessRule) rule.BusinessRule {
	r.Actions = append([]rule.Action(nil), r.Actions...)
	for i := range r.Actions {
		r.Actions[i].Parameters = cloneMap(r.Actions[i].Parameters)
	}
	r.Conditions = cloneGroup(r.Conditions)
	r.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	return r
}

func cloneGroup(g rule.ConditionGroup) rule.ConditionGroup {
	g.Conditions = append([]rule.Condition(nil), g.Conditions...)
	groups := make([]rule.ConditionGroup, 0, len(g.Groups))
	for _, nested := range g.Groups {
		groups = append(groups, cloneGroup(nested))
	}
	if len(groups) == 0 {
		groups = nil
	}
	g.Groups = groups
	return g
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
