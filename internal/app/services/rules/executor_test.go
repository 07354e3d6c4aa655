package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/storage/memory"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultRetryDelay = time.Millisecond
	return cfg
}

func TestExecuteRuleRunsActionsInOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r := eventRule("t1", "welcome flow", "lead.created", 1)
	r.ID = "r-1"
	r.Actions = []rule.Action{
		{ID: "a-1", Kind: rule.ActionTask, Parameters: map[string]interface{}{"title": "Call the lead"}},
		{ID: "a-2", Kind: rule.ActionNotification, Parameters: map[string]interface{}{"title": "New lead"}},
	}

	exec := svc.ExecuteRule(ctx, r, leadCreated("t1", nil))

	if exec.Status != rule.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if len(exec.ActionsExecuted) != 2 {
		t.Fatalf("actions executed = %d, want 2", len(exec.ActionsExecuted))
	}
	if exec.ActionsExecuted[0].ActionID != "a-1" || exec.ActionsExecuted[1].ActionID != "a-2" {
		t.Fatalf("actions ran out of order: %+v", exec.ActionsExecuted)
	}
	if len(store.Tasks()) != 1 || len(store.Notifications()) != 1 {
		t.Fatalf("expected one task and one notification, got %d and %d",
			len(store.Tasks()), len(store.Notifications()))
	}
}

func TestExecuteRuleConditionsFalseRunsNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r := eventRule("t1", "hot leads only", "lead.created", 1)
	r.Conditions = andGroup(cond("temperature", rule.OpEquals, "hot"))
	r.Actions = []rule.Action{
		{ID: "a-1", Kind: rule.ActionTask, Parameters: map[string]interface{}{"title": "Call immediately"}},
	}

	exec := svc.ExecuteRule(ctx, r, leadCreated("t1", map[string]interface{}{"temperature": "cold"}))

	if exec.Status != rule.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if len(exec.ActionsExecuted) != 0 {
		t.Fatalf("expected zero actions for a non-matching payload, got %d", len(exec.ActionsExecuted))
	}
	if len(store.Tasks()) != 0 {
		t.Fatal("task was created despite conditions evaluating to false")
	}
}

func TestExecuteActionRetriesAreBounded(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	svc := New(store, store, store, nil, fastConfig(), nil, nil)
	defer svc.Close()

	action := rule.Action{
		ID:         "a-1",
		Kind:       rule.ActionWebhook,
		Parameters: map[string]interface{}{"url": srv.URL},
		RetryCount: 2,
		RetryDelay: time.Millisecond,
	}

	ae := svc.executeAction(context.Background(), action, leadCreated("t1", nil))

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if ae.Status != rule.ActionFailed {
		t.Fatalf("status = %s, want failed", ae.Status)
	}
	if ae.RetryCount != 2 {
		t.Fatalf("recorded retries = %d, want 2", ae.RetryCount)
	}
	if ae.Error == "" {
		t.Fatal("expected the last error to be recorded")
	}
}

func TestExecuteActionSucceedsAfterRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	svc := New(store, store, store, nil, fastConfig(), nil, nil)
	defer svc.Close()

	action := rule.Action{
		ID:         "a-1",
		Kind:       rule.ActionWebhook,
		Parameters: map[string]interface{}{"url": srv.URL},
		RetryCount: 5,
		RetryDelay: time.Millisecond,
	}

	ae := svc.executeAction(context.Background(), action, leadCreated("t1", nil))

	if ae.Status != rule.ActionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", ae.Status, ae.Error)
	}
	if ae.Error != "" {
		t.Fatalf("completed action kept a stale error: %q", ae.Error)
	}
	if ae.RetryCount != 2 {
		t.Fatalf("recorded retries = %d, want 2", ae.RetryCount)
	}
}

func TestExecuteRuleIsolatesActionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := memory.New()
	svc := New(store, store, store, nil, fastConfig(), nil, nil)
	defer svc.Close()

	r := eventRule("t1", "flaky webhook first", "lead.created", 1)
	r.ID = "r-1"
	r.Actions = []rule.Action{
		{ID: "a-1", Kind: rule.ActionWebhook, Parameters: map[string]interface{}{"url": srv.URL}, RetryCount: 1, RetryDelay: time.Millisecond},
		{ID: "a-2", Kind: rule.ActionTask, Parameters: map[string]interface{}{"title": "Still runs"}},
	}

	exec := svc.ExecuteRule(context.Background(), r, leadCreated("t1", nil))

	if len(exec.ActionsExecuted) != 2 {
		t.Fatalf("actions executed = %d, want 2", len(exec.ActionsExecuted))
	}
	if exec.ActionsExecuted[0].Status != rule.ActionFailed {
		t.Fatalf("first action status = %s, want failed", exec.ActionsExecuted[0].Status)
	}
	if exec.ActionsExecuted[1].Status != rule.ActionCompleted {
		t.Fatalf("second action status = %s, want completed", exec.ActionsExecuted[1].Status)
	}
	if len(store.Tasks()) != 1 {
		t.Fatal("the task action after the failed webhook did not run")
	}
}

func TestExecuteActionHonoursDelay(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil, fastConfig(), nil, nil)
	defer svc.Close()

	action := rule.Action{
		ID:         "a-1",
		Kind:       rule.ActionNotification,
		Parameters: map[string]interface{}{"title": "Delayed"},
		Delay:      30 * time.Millisecond,
	}

	start := time.Now()
	ae := svc.executeAction(context.Background(), action, leadCreated("t1", nil))
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("action ran after %v, before its %v delay", elapsed, action.Delay)
	}
	if ae.Status != rule.ActionCompleted {
		t.Fatalf("status = %s, want completed", ae.Status)
	}
}

func TestExecuteRuleUpdateFieldAndChangeStage(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r := eventRule("t1", "qualify lead", "lead.created", 1)
	r.ID = "r-1"
	r.Actions = []rule.Action{
		{ID: "a-1", Kind: rule.ActionUpdateField, Parameters: map[string]interface{}{"field": "status", "value": "qualified"}},
		{ID: "a-2", Kind: rule.ActionChangeStage, Parameters: map[string]interface{}{"stageId": "stage-2", "reason": "Auto qualified"}},
	}

	evt := leadCreated("t1", map[string]interface{}{"stage_id": "stage-1"})
	exec := svc.ExecuteRule(ctx, r, evt)

	if exec.Status != rule.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if v, ok := store.EntityField("t1", "lead", "lead-1", "status"); !ok || v != "qualified" {
		t.Fatalf("entity field not updated: %v %v", v, ok)
	}
	changes := store.StageChanges()
	if len(changes) != 1 {
		t.Fatalf("stage changes = %d, want 1", len(changes))
	}
	if changes[0].FromStageID != "stage-1" || changes[0].ToStageID != "stage-2" {
		t.Fatalf("unexpected stage transition: %+v", changes[0])
	}
}

func TestExecuteRuleUpdatesMetadataAndAudit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, eventRule("t1", "audited rule", "lead.created", 1))

	for i := 0; i < 3; i++ {
		svc.ExecuteRule(ctx, created, leadCreated("t1", nil))
	}

	updated, err := store.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if updated.Metadata.ExecutionCount != 3 {
		t.Fatalf("execution count = %d, want 3", updated.Metadata.ExecutionCount)
	}
	if updated.Metadata.SuccessCount != 3 {
		t.Fatalf("success count = %d, want 3", updated.Metadata.SuccessCount)
	}
	if updated.Metadata.LastExecuted.IsZero() {
		t.Fatal("last executed not recorded")
	}
	if updated.Metadata.AverageExecutionTime < 0 {
		t.Fatalf("negative average execution time: %v", updated.Metadata.AverageExecutionTime)
	}

	execs, err := svc.Executions(ctx, created.ID)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(execs))
	}
	for _, exec := range execs {
		if exec.Status != rule.ExecutionCompleted {
			t.Fatalf("audit row status = %s, want completed", exec.Status)
		}
		if exec.EventID == "" || exec.RuleID != created.ID {
			t.Fatalf("audit row missing identity: %+v", exec)
		}
	}
}

func TestExecuteRuleMetadataSurvivesConcurrentRuns(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, eventRule("t1", "parallel rule", "lead.created", 1))

	const runs = 20
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.ExecuteRule(ctx, created, leadCreated("t1", nil))
		}()
	}
	wg.Wait()

	updated, err := store.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if updated.Metadata.ExecutionCount != runs {
		t.Fatalf("execution count = %d, want %d", updated.Metadata.ExecutionCount, runs)
	}
	if updated.Metadata.SuccessCount != runs {
		t.Fatalf("success count = %d, want %d", updated.Metadata.SuccessCount, runs)
	}
}

func TestTestRuleDryRunsConditions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r := eventRule("t1", "hot leads", "lead.created", 1)
	r.Conditions = andGroup(cond("temperature", rule.OpEquals, "hot"))
	created := mustCreate(t, svc, r)

	hot, err := svc.TestRule(ctx, created.ID, map[string]interface{}{"temperature": "hot"})
	if err != nil || !hot {
		t.Fatalf("TestRule(hot) = %v, %v; want true", hot, err)
	}
	cold, err := svc.TestRule(ctx, created.ID, map[string]interface{}{"temperature": "cold"})
	if err != nil || cold {
		t.Fatalf("TestRule(cold) = %v, %v; want false", cold, err)
	}
	if len(store.Tasks())+len(store.Notifications()) != 0 {
		t.Fatal("TestRule executed actions")
	}
}
