package rules

import (
	"context"
	"fmt"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
)

// cacheKeyFor builds a tenant-qualified cache key, so one tenant's rule set
// can never be served to another even transiently.
func cacheKeyFor(tenantID, eventType, entityType string) string {
	return fmt.Sprintf("rules:%s:%s:%s", tenantID, eventType, entityType)
}

// cacheKeyPatternForTenant matches every cached rule set of one tenant.
func cacheKeyPatternForTenant(tenantID string) string {
	return fmt.Sprintf("rules:%s:*", tenantID)
}

// MatchRules resolves the ordered set of active rules whose trigger applies
// to the event, cache-first with repository fallback. When the repository is
// unreachable on a miss the matcher degrades to no matches: availability over
// completeness, with the failure logged for the audit trail.
func (s *Service) MatchRules(ctx context.Context, evt event.AutomationEvent) []rule.BusinessRule {
	key := cacheKeyFor(evt.TenantID, evt.Type, evt.EntityType)

	var cached []rule.BusinessRule
	if s.cache != nil {
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Warn("rule cache read failed")
		} else if hit {
			return s.filterApplicable(cached, evt)
		}
	}

	rules, err := s.store.GetActiveRulesForTenant(ctx, evt.TenantID, evt.Type)
	if err != nil {
		s.log.WithError(err).
			WithField("tenant_id", evt.TenantID).
			WithField("event_type", evt.Type).
			Warn("rule lookup failed; no rules matched")
		return nil
	}

	// The cache holds the raw candidate set; applicability is re-checked per
	// event because condition triggers depend on each event's payload.
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, rules, s.cacheTTL); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("rule cache write failed")
		}
	}
	return s.filterApplicable(rules, evt)
}

// filterApplicable re-checks activity, tenant and trigger applicability
// on every lookup, cached or not.
func (s *Service) filterApplicable(rules []rule.BusinessRule, evt event.AutomationEvent) []rule.BusinessRule {
	var result []rule.BusinessRule
	for _, r := range rules {
		if !r.Active || r.TenantID != evt.TenantID {
			continue
		}
		if s.triggerApplies(r.Trigger, evt) {
			result = append(result, r)
		}
	}
	return result
}

// triggerApplies reports whether a rule's trigger fires for the event.
// Schedule triggers are run by the scheduler and never match here.
func (s *Service) triggerApplies(trg rule.Trigger, evt event.AutomationEvent) bool {
	switch trg.Kind {
	case rule.TriggerEvent:
		return trg.Event == evt.Type ||
			trg.Event == evt.EntityType+".*" ||
			(trg.EntityType != "" && trg.EntityType == evt.EntityType)
	case rule.TriggerCondition:
		if trg.Condition == nil {
			return false
		}
		group := rule.ConditionGroup{Operator: "AND", Conditions: []rule.Condition{*trg.Condition}}
		return s.evaluator.Evaluate(group, evt.Payload)
	case rule.TriggerSchedule:
		return false
	default:
		return false
	}
}
