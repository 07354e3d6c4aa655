package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/metrics"
	"github.com/pipeflow/automation/internal/app/storage"
)

// Mailer sends templated messages on behalf of email actions. The default
// implementation only logs; wiring a real transport is a deployment concern.
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// MailMessage is one templated email produced by an email action.
type MailMessage struct {
	Template  string
	Recipient string
	Subject   string
	Variables map[string]interface{}
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, msg MailMessage) error

func (f MailerFunc) Send(ctx context.Context, msg MailMessage) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

// ExecuteRule runs one rule against one event: evaluates conditions once,
// then runs the actions strictly in declared order. The returned execution is
// terminal and has been persisted.
func (s *Service) ExecuteRule(ctx context.Context, r rule.BusinessRule, evt event.AutomationEvent) rule.Execution {
	exec := rule.Execution{
		ID:        uuid.NewString(),
		RuleID:    r.ID,
		EventID:   evt.ID,
		TenantID:  r.TenantID,
		Status:    rule.ExecutionPending,
		StartTime: time.Now().UTC(),
	}

	s.tracker.Track(exec)
	defer s.tracker.Untrack(exec.ID)

	exec.Status = rule.ExecutionRunning

	if s.evaluator.Evaluate(r.Conditions, evt.Payload) {
		for _, action := range r.Actions {
			if ctx.Err() != nil {
				exec.Status = rule.ExecutionCancelled
				exec.Error = ctx.Err().Error()
				break
			}
			// A failed action is recorded and isolated; later actions still run.
			exec.ActionsExecuted = append(exec.ActionsExecuted, s.executeAction(ctx, action, evt))
		}
	}

	if !exec.Status.Terminal() {
		exec.Status = rule.ExecutionCompleted
	}
	exec.EndTime = time.Now().UTC()
	exec.ExecutionTime = exec.EndTime.Sub(exec.StartTime)

	s.finishExecution(ctx, r, exec)
	return exec
}

// finishExecution updates the owning rule's aggregates and writes the
// immutable audit row. Both writes are best-effort: bookkeeping failures are
// logged, never propagated into the dispatcher loop.
func (s *Service) finishExecution(ctx context.Context, r rule.BusinessRule, exec rule.Execution) {
	metrics.RecordRuleExecution(string(exec.Status), exec.ExecutionTime)

	// Aggregates build on the stored state, not the matcher's snapshot,
	// which may be a stale cache copy. The lock keeps concurrent executions
	// of the same rule from losing increments between read and write.
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	meta := r.Metadata
	if current, err := s.store.GetRule(ctx, r.ID); err == nil {
		meta = current.Metadata
	}
	meta.ExecutionCount++
	meta.LastExecuted = exec.EndTime
	if exec.Status == rule.ExecutionCompleted {
		meta.SuccessCount++
	} else {
		meta.FailureCount++
	}
	previous := meta.AverageExecutionTime * time.Duration(meta.ExecutionCount-1)
	meta.AverageExecutionTime = (previous + exec.ExecutionTime) / time.Duration(meta.ExecutionCount)

	if err := s.store.UpdateRuleMetadata(ctx, r.ID, meta); err != nil {
		s.log.WithError(err).WithField("rule_id", r.ID).Warn("rule metadata update failed")
	}
	if err := s.executions.InsertExecutionLog(ctx, exec); err != nil {
		s.log.WithError(err).
			WithField("rule_id", r.ID).
			WithField("execution_id", exec.ID).
			Warn("execution audit write failed")
	}
}

// executeAction runs one action with its configured delay and a bounded retry
// loop. The attempt counter accumulates explicitly; retries never recurse.
func (s *Service) executeAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) rule.ActionExecution {
	ae := rule.ActionExecution{
		ID:        uuid.NewString(),
		ActionID:  action.ID,
		Status:    rule.ActionPending,
		StartTime: time.Now().UTC(),
	}

	if action.Delay > 0 {
		if err := sleepContext(ctx, action.Delay); err != nil {
			ae.Status = rule.ActionSkipped
			ae.Error = err.Error()
			ae.EndTime = time.Now().UTC()
			return ae
		}
	}

	retries := action.RetryCount
	if retries <= 0 {
		retries = s.defaultRetryAttempts
	}
	backoff := action.RetryDelay
	if backoff <= 0 {
		backoff = s.defaultRetryDelay
	}

	for attempt := 0; ; attempt++ {
		ae.Status = rule.ActionRunning

		result, err := s.dispatchAction(ctx, action, evt)
		if err == nil {
			ae.Status = rule.ActionCompleted
			ae.Result = result
			ae.Error = ""
			break
		}

		ae.Error = err.Error()
		if attempt >= retries || ctx.Err() != nil {
			ae.Status = rule.ActionFailed
			s.log.WithError(err).
				WithField("action_id", action.ID).
				WithField("action_kind", string(action.Kind)).
				WithField("attempts", attempt+1).
				Warn("action failed permanently")
			break
		}

		ae.RetryCount = attempt + 1
		metrics.RecordActionRetry(string(action.Kind))
		if err := sleepContext(ctx, backoff); err != nil {
			ae.Status = rule.ActionFailed
			break
		}
	}

	ae.EndTime = time.Now().UTC()
	return ae
}

// dispatchAction routes to the side-effecting handler for the action kind.
func (s *Service) dispatchAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	switch action.Kind {
	case rule.ActionEmail:
		return s.runEmailAction(ctx, action, evt)
	case rule.ActionTask:
		return s.runTaskAction(ctx, action, evt)
	case rule.ActionNotification:
		return s.runNotificationAction(ctx, action, evt)
	case rule.ActionWebhook:
		return s.runWebhookAction(ctx, action, evt)
	case rule.ActionUpdateField:
		return s.runUpdateFieldAction(ctx, action, evt)
	case rule.ActionChangeStage:
		return s.runChangeStageAction(ctx, action, evt)
	default:
		return nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (s *Service) runEmailAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	msg := MailMessage{
		Template:  paramString(action.Parameters, "template"),
		Recipient: paramString(action.Parameters, "recipient"),
		Subject:   paramString(action.Parameters, "subject"),
	}
	if vars, ok := action.Parameters["variables"].(map[string]interface{}); ok {
		msg.Variables = vars
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":      "email",
		"template":  msg.Template,
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
		"status":    "sent",
		"sentAt":    time.Now().UTC(),
	}, nil
}

func (s *Service) runTaskAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	priority := paramString(action.Parameters, "priority")
	if priority == "" {
		priority = "medium"
	}
	task, err := s.records.CreateTask(ctx, storage.TaskRecord{
		Title:       paramString(action.Parameters, "title"),
		Description: paramString(action.Parameters, "description"),
		AssigneeID:  paramString(action.Parameters, "assigneeId"),
		DueDate:     paramString(action.Parameters, "dueDate"),
		Priority:    priority,
		EntityType:  evt.EntityType,
		EntityID:    evt.EntityID,
		TenantID:    evt.TenantID,
		CreatedBy:   "system",
		Status:      "pending",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return map[string]interface{}{
		"type":      "task",
		"taskId":    task.ID,
		"status":    "created",
		"createdAt": task.CreatedAt,
	}, nil
}

func (s *Service) runNotificationAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	channel := paramString(action.Parameters, "channel")
	if channel == "" {
		channel = "system"
	}
	n, err := s.records.CreateNotification(ctx, storage.NotificationRecord{
		Kind:       paramString(action.Parameters, "type"),
		Title:      paramString(action.Parameters, "title"),
		Message:    paramString(action.Parameters, "message"),
		UserID:     paramString(action.Parameters, "userId"),
		Channel:    channel,
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		TenantID:   evt.TenantID,
		Status:     "pending",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return map[string]interface{}{
		"type":           "notification",
		"notificationId": n.ID,
		"status":         "created",
		"createdAt":      n.CreatedAt,
	}, nil
}

func (s *Service) runWebhookAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	url := paramString(action.Parameters, "url")
	if url == "" {
		return nil, fmt.Errorf("webhook action requires a url parameter")
	}
	method := paramString(action.Parameters, "method")
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":   evt,
		"payload": action.Parameters["payload"],
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := action.Parameters["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook execution failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return map[string]interface{}{
		"type":       "webhook",
		"url":        url,
		"status":     resp.StatusCode,
		"executedAt": time.Now().UTC(),
	}, nil
}

func (s *Service) runUpdateFieldAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	field := paramString(action.Parameters, "field")
	if field == "" {
		return nil, fmt.Errorf("update_field action requires a field parameter")
	}
	value := action.Parameters["value"]

	if err := s.records.UpdateEntityField(ctx, evt.TenantID, evt.EntityType, evt.EntityID, field, value); err != nil {
		return nil, fmt.Errorf("failed to update field: %w", err)
	}
	return map[string]interface{}{
		"type":      "update_field",
		"field":     field,
		"value":     value,
		"status":    "updated",
		"updatedAt": time.Now().UTC(),
	}, nil
}

func (s *Service) runChangeStageAction(ctx context.Context, action rule.Action, evt event.AutomationEvent) (map[string]interface{}, error) {
	stageID := paramString(action.Parameters, "stageId")
	if stageID == "" {
		return nil, fmt.Errorf("change_stage action requires a stageId parameter")
	}
	reason := paramString(action.Parameters, "reason")
	if reason == "" {
		reason = "Automated by rule"
	}
	fromStageID := ""
	if v, ok := evt.Payload["stage_id"].(string); ok {
		fromStageID = v
	}

	if err := s.records.ChangeStage(ctx, storage.StageChange{
		EntityType:  evt.EntityType,
		EntityID:    evt.EntityID,
		FromStageID: fromStageID,
		ToStageID:   stageID,
		Reason:      reason,
		ChangedBy:   "system",
		TenantID:    evt.TenantID,
	}); err != nil {
		return nil, fmt.Errorf("failed to change stage: %w", err)
	}
	return map[string]interface{}{
		"type":        "change_stage",
		"fromStageId": fromStageID,
		"toStageId":   stageID,
		"reason":      reason,
		"status":      "changed",
		"changedAt":   time.Now().UTC(),
	}, nil
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// sleepContext waits for d without blocking past context cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
