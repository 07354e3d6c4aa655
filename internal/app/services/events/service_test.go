package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipeflow/automation/internal/app/cache"
	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/services/rules"
	"github.com/pipeflow/automation/internal/app/storage"
	"github.com/pipeflow/automation/internal/app/storage/memory"
)

func newEngine(t *testing.T, ruleCfg rules.Config, cfg Config) (*Service, *rules.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	rulesSvc := rules.New(store, store, store, cache.NewMemory(), ruleCfg, nil, nil)
	eventsSvc := New(store, rulesSvc, cfg, nil)

	if err := eventsSvc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		eventsSvc.Stop()
		rulesSvc.Close()
	})
	return eventsSvc, rulesSvc, store
}

func fastRuleConfig() rules.Config {
	cfg := rules.DefaultConfig()
	cfg.DefaultRetryDelay = time.Millisecond
	return cfg
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hotLeadRule(tenantID string) rule.BusinessRule {
	return rule.BusinessRule{
		Name:     "hot leads get a call task",
		TenantID: tenantID,
		Active:   true,
		Trigger:  rule.Trigger{Kind: rule.TriggerEvent, Event: "lead.created"},
		Conditions: rule.ConditionGroup{
			Operator: "AND",
			Conditions: []rule.Condition{
				{Field: "temperature", Operator: rule.OpEquals, Value: "hot", ValueKind: rule.ValueStatic},
			},
		},
		Actions: []rule.Action{
			{ID: "a-1", Kind: rule.ActionTask, Parameters: map[string]interface{}{"title": "Call hot lead"}},
		},
	}
}

func TestHotLeadCreatesTask(t *testing.T) {
	eventsSvc, rulesSvc, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	created, err := rulesSvc.CreateRule(ctx, hotLeadRule("t1"))
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	id := eventsSvc.EmitLeadCreated(ctx, "t1", "lead-1", map[string]interface{}{"temperature": "hot"})
	if id == "" {
		t.Fatal("Emit returned an empty event ID")
	}

	waitFor(t, "task creation", func() bool { return len(store.Tasks()) == 1 })
	waitFor(t, "processed event log entry", func() bool {
		entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
		return err == nil && len(entries) == 1 && entries[0].Processed
	})

	execs, err := rulesSvc.Executions(ctx, created.ID)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != rule.ExecutionCompleted {
		t.Fatalf("expected one completed execution, got %+v", execs)
	}
	if len(execs[0].ActionsExecuted) != 1 {
		t.Fatalf("expected one executed action, got %d", len(execs[0].ActionsExecuted))
	}
}

func TestColdLeadCompletesWithZeroActions(t *testing.T) {
	eventsSvc, rulesSvc, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	created, err := rulesSvc.CreateRule(ctx, hotLeadRule("t1"))
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	eventsSvc.EmitLeadCreated(ctx, "t1", "lead-1", map[string]interface{}{"temperature": "cold"})

	waitFor(t, "execution audit row", func() bool {
		execs, err := rulesSvc.Executions(ctx, created.ID)
		return err == nil && len(execs) == 1
	})

	execs, _ := rulesSvc.Executions(ctx, created.ID)
	if execs[0].Status != rule.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", execs[0].Status)
	}
	if len(execs[0].ActionsExecuted) != 0 {
		t.Fatalf("cold lead ran %d actions, want 0", len(execs[0].ActionsExecuted))
	}
	if len(store.Tasks()) != 0 {
		t.Fatal("cold lead created a task")
	}
}

func TestEmitReturnsIDWhenPersistenceFails(t *testing.T) {
	eventsSvc, _, _ := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	evt := event.AutomationEvent{
		ID:       "dup-1",
		Type:     "lead.created",
		TenantID: "t1",
	}
	if id := eventsSvc.Emit(ctx, evt); id != "dup-1" {
		t.Fatalf("first emit returned %q", id)
	}
	// The second insert collides on the event ID. The emitter still gets the
	// ID back; the failure lives in the log, not the caller.
	if id := eventsSvc.Emit(ctx, evt); id != "dup-1" {
		t.Fatalf("second emit returned %q, want the event ID despite the failure", id)
	}
}

func TestEmitResolvesTenantFromPayload(t *testing.T) {
	eventsSvc, _, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	eventsSvc.Emit(ctx, event.AutomationEvent{
		Type:    "lead.created",
		Payload: map[string]interface{}{"tenant_id": "t9"},
	})

	waitFor(t, "tenant-resolved log entry", func() bool {
		entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t9"})
		return err == nil && len(entries) == 1
	})
}

func TestQueueSaturationIsRecordedNotRaised(t *testing.T) {
	store := memory.New()
	rulesSvc := rules.New(store, store, store, cache.NewMemory(), fastRuleConfig(), nil, nil)
	defer rulesSvc.Close()

	// Not started: nothing drains the queue.
	eventsSvc := New(store, rulesSvc, Config{QueueSize: 1}, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, eventsSvc.Emit(ctx, event.AutomationEvent{Type: "lead.created", TenantID: "t1"}))
	}
	for i, id := range ids {
		if id == "" {
			t.Fatalf("emit %d returned no ID under saturation", i)
		}
	}

	entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListEventLog: %v", err)
	}
	dropped := 0
	for _, entry := range entries {
		if entry.Error != "" {
			dropped++
		}
	}
	if dropped != 2 {
		t.Fatalf("dropped events recorded = %d, want 2", dropped)
	}
}

func TestLocalListeners(t *testing.T) {
	eventsSvc, _, _ := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var exact, wildcard []string
	eventsSvc.SubscribeLocal("lead.created", func(evt event.AutomationEvent) {
		mu.Lock()
		exact = append(exact, evt.Type)
		mu.Unlock()
	})
	eventsSvc.SubscribeLocal("*", func(evt event.AutomationEvent) {
		mu.Lock()
		wildcard = append(wildcard, evt.Type)
		mu.Unlock()
	})

	eventsSvc.Emit(ctx, event.AutomationEvent{Type: "lead.created", TenantID: "t1"})
	eventsSvc.Emit(ctx, event.AutomationEvent{Type: "deal.won", TenantID: "t1"})

	mu.Lock()
	defer mu.Unlock()
	if len(exact) != 1 || exact[0] != "lead.created" {
		t.Fatalf("exact listener saw %v", exact)
	}
	if len(wildcard) != 2 {
		t.Fatalf("wildcard listener saw %d events, want 2", len(wildcard))
	}
}

func TestSubscriptionWebhookDelivery(t *testing.T) {
	type received struct {
		eventType string
		eventID   string
	}
	ch := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch <- received{
			eventType: r.Header.Get("X-Event-Type"),
			eventID:   r.Header.Get("X-Event-Id"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eventsSvc, _, _ := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	if _, err := eventsSvc.Subscribe(ctx, event.Subscription{
		EventType:    "deal.won",
		SubscriberID: "integration-1",
		Endpoint:     srv.URL,
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id := eventsSvc.EmitDealWon(ctx, "t1", "deal-1", map[string]interface{}{"value": 1000})

	select {
	case got := <-ch:
		if got.eventType != "deal.won" || got.eventID != id {
			t.Fatalf("webhook got %+v, want type deal.won id %s", got, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestSubscriptionFiltersApply(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eventsSvc, _, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	if _, err := eventsSvc.Subscribe(ctx, event.Subscription{
		EventType:    "deal.won",
		SubscriberID: "integration-1",
		Endpoint:     srv.URL,
		Filters:      map[string]interface{}{"currency": "EUR"},
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	eventsSvc.EmitDealWon(ctx, "t1", "deal-1", map[string]interface{}{"currency": "USD"})
	eventsSvc.EmitDealWon(ctx, "t1", "deal-2", map[string]interface{}{"currency": "EUR"})

	waitFor(t, "both events processed", func() bool {
		entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
		if err != nil || len(entries) != 2 {
			return false
		}
		return entries[0].Processed && entries[1].Processed
	})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("webhook calls = %d, want 1 (filter should drop the USD deal)", got)
	}
}

func TestScheduleFiresLater(t *testing.T) {
	eventsSvc, _, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	id := eventsSvc.Schedule(ctx, event.AutomationEvent{Type: "task.overdue", TenantID: "t1"}, time.Now().Add(30*time.Millisecond))
	if id == "" {
		t.Fatal("Schedule returned no ID")
	}

	entries, _ := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
	if len(entries) != 0 {
		t.Fatal("scheduled event was emitted before its due time")
	}

	waitFor(t, "scheduled event to fire", func() bool {
		entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
		return err == nil && len(entries) == 1 && entries[0].EventID == id
	})
}

func TestSchedulePastDueFiresImmediately(t *testing.T) {
	eventsSvc, _, store := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	id := eventsSvc.Schedule(ctx, event.AutomationEvent{Type: "task.overdue", TenantID: "t1"}, time.Now().Add(-time.Minute))

	entries, err := store.ListEventLog(ctx, storage.EventLogFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListEventLog: %v", err)
	}
	if len(entries) != 1 || entries[0].EventID != id {
		t.Fatalf("past-due event was not emitted synchronously: %+v", entries)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	ruleCfg := fastRuleConfig()
	ruleCfg.MaxConcurrentExecutions = 2

	eventsSvc, rulesSvc, store := newEngine(t, ruleCfg, Config{QueueSize: 64, DrainRatePerSecond: 1000})
	ctx := context.Background()

	r := hotLeadRule("t1")
	r.Conditions = rule.ConditionGroup{Operator: "AND"}
	r.Actions = []rule.Action{
		{ID: "a-1", Kind: rule.ActionNotification, Parameters: map[string]interface{}{"title": "slow"}, Delay: 40 * time.Millisecond},
	}
	if _, err := rulesSvc.CreateRule(ctx, r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	const emitted = 7
	for i := 0; i < emitted; i++ {
		eventsSvc.EmitLeadCreated(ctx, "t1", "lead", nil)
	}

	maxActive := 0
	waitFor(t, "all events processed", func() bool {
		if n := rulesSvc.Tracker().Active(); n > maxActive {
			maxActive = n
		}
		return len(store.Notifications()) == emitted
	})

	if maxActive > 2 {
		t.Fatalf("observed %d concurrent executions, ceiling is 2", maxActive)
	}
	if maxActive == 0 {
		t.Fatal("never observed an in-flight execution")
	}
}

func TestEnsureDefaultDefinitions(t *testing.T) {
	eventsSvc, _, _ := newEngine(t, fastRuleConfig(), DefaultConfig())
	ctx := context.Background()

	if err := eventsSvc.EnsureDefaultDefinitions(ctx); err != nil {
		t.Fatalf("EnsureDefaultDefinitions: %v", err)
	}
	defs, err := eventsSvc.Definitions(ctx)
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != len(event.DefaultDefinitions()) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(event.DefaultDefinitions()))
	}
	// Seeding again is idempotent.
	if err := eventsSvc.EnsureDefaultDefinitions(ctx); err != nil {
		t.Fatalf("second EnsureDefaultDefinitions: %v", err)
	}
	again, _ := eventsSvc.Definitions(ctx)
	if len(again) != len(defs) {
		t.Fatalf("reseeding changed definition count: %d -> %d", len(defs), len(again))
	}
}
