package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/storage"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	// Clear leftovers from earlier runs.
	for _, table := range []string{"rule_execution_log", "event_log", "business_rules"} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id = 't-int'`); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	created, err := store.CreateRule(ctx, rule.BusinessRule{
		Name:     "integration rule",
		TenantID: "t-int",
		Active:   true,
		Priority: 5,
		Trigger:  rule.Trigger{Kind: rule.TriggerEvent, Event: "lead.created"},
		Conditions: rule.ConditionGroup{
			Operator: "AND",
			Conditions: []rule.Condition{
				{Field: "temperature", Operator: rule.OpEquals, Value: "hot", ValueKind: rule.ValueStatic},
			},
		},
		Actions: []rule.Action{
			{ID: "a-1", Kind: rule.ActionTask, Parameters: map[string]interface{}{"title": "call"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	defer store.DeleteRule(ctx, created.ID)

	got, err := store.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.Trigger.Event != "lead.created" || len(got.Actions) != 1 {
		t.Fatalf("rule round-trip lost data: %+v", got)
	}

	active, err := store.GetActiveRulesForTenant(ctx, "t-int", "lead.created")
	if err != nil {
		t.Fatalf("get active rules: %v", err)
	}
	found := false
	for _, r := range active {
		if r.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("created rule missing from active rule listing")
	}

	meta := rule.Metadata{ExecutionCount: 2, SuccessCount: 2, LastExecuted: time.Now().UTC()}
	if err := store.UpdateRuleMetadata(ctx, created.ID, meta); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	got, _ = store.GetRule(ctx, created.ID)
	if got.Metadata.ExecutionCount != 2 {
		t.Fatalf("metadata not persisted: %+v", got.Metadata)
	}

	exec := rule.Execution{
		ID:        "exec-int-1",
		RuleID:    created.ID,
		EventID:   "evt-int-1",
		TenantID:  "t-int",
		Status:    rule.ExecutionCompleted,
		StartTime: time.Now().UTC().Add(-time.Second),
		EndTime:   time.Now().UTC(),
		ActionsExecuted: []rule.ActionExecution{
			{ID: "ae-1", ActionID: "a-1", Status: rule.ActionCompleted},
		},
	}
	if err := store.InsertExecutionLog(ctx, exec); err != nil {
		t.Fatalf("insert execution log: %v", err)
	}
	execs, err := store.ListExecutions(ctx, created.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 || len(execs[0].ActionsExecuted) != 1 {
		t.Fatalf("execution round-trip lost data: %+v", execs)
	}

	entry := event.LogEntry{
		EventID:   "evt-int-1",
		Type:      "lead.created",
		TenantID:  "t-int",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"temperature": "hot"},
	}
	if err := store.InsertEventLogEntry(ctx, entry); err != nil {
		t.Fatalf("insert event log: %v", err)
	}
	if err := store.UpdateEventLogEntry(ctx, "evt-int-1", true, 42*time.Millisecond, ""); err != nil {
		t.Fatalf("update event log: %v", err)
	}
	entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t-int", EventType: "lead.created"})
	if err != nil {
		t.Fatalf("list event log: %v", err)
	}
	if len(entries) == 0 || !entries[0].Processed {
		t.Fatalf("event log round-trip lost processing state: %+v", entries)
	}

	sub, err := store.CreateSubscription(ctx, event.Subscription{
		EventType:    "lead.created",
		SubscriberID: "int-test",
		Endpoint:     "https://example.com/hook",
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	subs, err := store.GetSubscriptions(ctx, "lead.created")
	if err != nil {
		t.Fatalf("get subscriptions: %v", err)
	}
	if len(subs) == 0 {
		t.Fatal("subscription not listed")
	}
	if err := store.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
}
