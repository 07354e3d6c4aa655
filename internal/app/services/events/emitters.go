package events

import (
	"context"

	"github.com/pipeflow/automation/internal/app/domain/event"
)

// Convenience emitters for the built-in event catalog. Each one fills in the
// type and entity type so call sites only supply the interesting payload.

func (s *Service) EmitLeadCreated(ctx context.Context, tenantID, leadID string, payload map[string]interface{}) string {
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "lead.created",
		EntityType: "lead",
		EntityID:   leadID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}

func (s *Service) EmitLeadStageChanged(ctx context.Context, tenantID, leadID, fromStageID, toStageID string, payload map[string]interface{}) string {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["from_stage_id"] = fromStageID
	payload["to_stage_id"] = toStageID
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "lead.stage_changed",
		EntityType: "lead",
		EntityID:   leadID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}

func (s *Service) EmitDealWon(ctx context.Context, tenantID, dealID string, payload map[string]interface{}) string {
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "deal.won",
		EntityType: "deal",
		EntityID:   dealID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}

func (s *Service) EmitDealLost(ctx context.Context, tenantID, dealID string, payload map[string]interface{}) string {
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "deal.lost",
		EntityType: "deal",
		EntityID:   dealID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}

func (s *Service) EmitTaskCompleted(ctx context.Context, tenantID, taskID string, payload map[string]interface{}) string {
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "task.completed",
		EntityType: "task",
		EntityID:   taskID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}

func (s *Service) EmitTaskOverdue(ctx context.Context, tenantID, taskID string, payload map[string]interface{}) string {
	return s.Emit(ctx, event.AutomationEvent{
		Type:       "task.overdue",
		EntityType: "task",
		EntityID:   taskID,
		TenantID:   tenantID,
		Payload:    payload,
	})
}
