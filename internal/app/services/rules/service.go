package rules

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow/automation/internal/app/cache"
	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/storage"
	"github.com/pipeflow/automation/pkg/logger"
)

// Config carries the tunables for rule execution.
type Config struct {
	MaxConcurrentExecutions int
	DefaultRetryAttempts    int
	DefaultRetryDelay       time.Duration
	CacheTTL                time.Duration
	WebhookTimeout          time.Duration
}

// DefaultConfig returns the execution defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 10,
		DefaultRetryAttempts:    3,
		DefaultRetryDelay:       5 * time.Second,
		CacheTTL:                5 * time.Minute,
		WebhookTimeout:          10 * time.Second,
	}
}

// Service manages business rules and executes them against automation events.
type Service struct {
	store      storage.RuleStore
	executions storage.ExecutionStore
	records    storage.RecordStore
	cache      cache.Cache
	evaluator  *Evaluator
	tracker    *Tracker
	mailer     Mailer
	httpClient *http.Client
	log        *logger.Logger

	// metaMu serializes the read-modify-write of rule metadata aggregates
	// across concurrent executions of the same rule.
	metaMu sync.Mutex

	cacheTTL             time.Duration
	defaultRetryAttempts int
	defaultRetryDelay    time.Duration
}

// New creates a rules service. A nil cache disables rule caching by falling
// back to an in-process cache; a nil mailer downgrades email actions to
// structured log lines.
func New(
	store storage.RuleStore,
	executions storage.ExecutionStore,
	records storage.RecordStore,
	c cache.Cache,
	cfg Config,
	mailer Mailer,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("rules")
	}
	if c == nil {
		c = cache.NewMemory()
	}
	defaults := DefaultConfig()
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}
	if cfg.DefaultRetryAttempts <= 0 {
		cfg.DefaultRetryAttempts = defaults.DefaultRetryAttempts
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = defaults.DefaultRetryDelay
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaults.WebhookTimeout
	}

	s := &Service{
		store:                store,
		executions:           executions,
		records:              records,
		cache:                c,
		evaluator:            NewEvaluator(log),
		tracker:              NewTracker(cfg.MaxConcurrentExecutions),
		httpClient:           &http.Client{Timeout: cfg.WebhookTimeout},
		log:                  log,
		cacheTTL:             cfg.CacheTTL,
		defaultRetryAttempts: cfg.DefaultRetryAttempts,
		defaultRetryDelay:    cfg.DefaultRetryDelay,
	}
	if mailer != nil {
		s.mailer = mailer
	} else {
		s.mailer = MailerFunc(func(_ context.Context, msg MailMessage) error {
			log.WithField("template", msg.Template).
				WithField("recipient", msg.Recipient).
				Info("email action executed without mail transport")
			return nil
		})
	}
	return s
}

// Tracker exposes the execution tracker, mainly so the event dispatcher can
// gate work on the concurrency ceiling.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Close releases execution permits held by the tracker.
func (s *Service) Close() {
	s.tracker.Close()
}

// CreateRule validates and persists a new rule, then invalidates the tenant's
// rule cache before returning.
func (s *Service) CreateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	if err := validateRule(r); err != nil {
		return rule.BusinessRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Metadata = rule.Metadata{Tags: r.Metadata.Tags}

	created, err := s.store.CreateRule(ctx, r)
	if err != nil {
		return rule.BusinessRule{}, fmt.Errorf("failed to create rule: %w", err)
	}
	s.invalidateTenantCache(ctx, created.TenantID)

	s.log.WithField("rule_id", created.ID).
		WithField("tenant_id", created.TenantID).
		Info("business rule created")
	return created, nil
}

// UpdateRule persists changes to an existing rule and invalidates the
// tenant's rule cache before returning.
func (s *Service) UpdateRule(ctx context.Context, r rule.BusinessRule) (rule.BusinessRule, error) {
	if r.ID == "" {
		return rule.BusinessRule{}, fmt.Errorf("rule ID is required")
	}
	if err := validateRule(r); err != nil {
		return rule.BusinessRule{}, err
	}
	r.UpdatedAt = time.Now().UTC()

	updated, err := s.store.UpdateRule(ctx, r)
	if err != nil {
		return rule.BusinessRule{}, fmt.Errorf("failed to update rule: %w", err)
	}
	s.invalidateTenantCache(ctx, updated.TenantID)
	return updated, nil
}

// DeleteRule removes a rule and invalidates the tenant's rule cache.
func (s *Service) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	s.invalidateTenantCache(ctx, tenantID)
	return nil
}

// GetRule fetches one rule by ID.
func (s *Service) GetRule(ctx context.Context, ruleID string) (rule.BusinessRule, error) {
	return s.store.GetRule(ctx, ruleID)
}

// ListRules returns a tenant's rules matching the filter.
func (s *Service) ListRules(ctx context.Context, tenantID string, filter storage.RuleFilter) ([]rule.BusinessRule, error) {
	return s.store.ListRules(ctx, tenantID, filter)
}

// SetRuleActive toggles a rule without touching the rest of its definition.
func (s *Service) SetRuleActive(ctx context.Context, ruleID string, active bool) (rule.BusinessRule, error) {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return rule.BusinessRule{}, err
	}
	r.Active = active
	return s.UpdateRule(ctx, r)
}

// Executions returns the audit trail for one rule.
func (s *Service) Executions(ctx context.Context, ruleID string) ([]rule.Execution, error) {
	return s.executions.ListExecutions(ctx, ruleID)
}

// TestRule dry-runs a rule's conditions against a sample payload without
// executing any actions.
func (s *Service) TestRule(ctx context.Context, ruleID string, payload map[string]interface{}) (bool, error) {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return false, err
	}
	return s.evaluator.Evaluate(r.Conditions, payload), nil
}

// ProcessEvent matches rules for the event and executes each one in priority
// order. Individual rule failures are isolated; the event is considered
// processed once every matched rule has reached a terminal state.
func (s *Service) ProcessEvent(ctx context.Context, evt event.AutomationEvent) (int, error) {
	matched := s.MatchRules(ctx, evt)
	for _, r := range matched {
		if err := s.tracker.Acquire(ctx); err != nil {
			return len(matched), err
		}
		exec := s.ExecuteRule(ctx, r, evt)
		s.tracker.Release()

		s.log.WithField("rule_id", r.ID).
			WithField("event_id", evt.ID).
			WithField("execution_id", exec.ID).
			WithField("status", string(exec.Status)).
			Debug("rule executed")
	}
	return len(matched), ctx.Err()
}

// RunScheduledRule executes a schedule-triggered rule under the same
// concurrency ceiling as event-driven executions. The synthetic event carries
// the firing rule's identity so the audit trail stays traceable.
func (s *Service) RunScheduledRule(ctx context.Context, r rule.BusinessRule) (rule.Execution, error) {
	if err := s.tracker.Acquire(ctx); err != nil {
		return rule.Execution{}, err
	}
	defer s.tracker.Release()

	evt := event.AutomationEvent{
		ID:         uuid.NewString(),
		Type:       "schedule.triggered",
		EntityType: r.Trigger.EntityType,
		TenantID:   r.TenantID,
		Timestamp:  time.Now().UTC(),
		Payload: map[string]interface{}{
			"rule_id":   r.ID,
			"rule_name": r.Name,
			"schedule":  r.Trigger.Schedule,
		},
	}
	return s.ExecuteRule(ctx, r, evt), nil
}

func (s *Service) invalidateTenantCache(ctx context.Context, tenantID string) {
	n, err := s.cache.DeletePattern(ctx, cacheKeyPatternForTenant(tenantID))
	if err != nil {
		s.log.WithError(err).WithField("tenant_id", tenantID).Warn("rule cache invalidation failed")
		return
	}
	if n > 0 {
		s.log.WithField("tenant_id", tenantID).WithField("keys", n).Debug("rule cache invalidated")
	}
}

func validateRule(r rule.BusinessRule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	switch r.Trigger.Kind {
	case rule.TriggerEvent:
		if r.Trigger.Event == "" {
			return fmt.Errorf("event trigger requires an event type")
		}
	case rule.TriggerSchedule:
		if r.Trigger.Schedule == "" {
			return fmt.Errorf("schedule trigger requires a cron expression")
		}
	case rule.TriggerCondition:
		if r.Trigger.Condition == nil {
			return fmt.Errorf("condition trigger requires a condition")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", r.Trigger.Kind)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule requires at least one action")
	}
	for i, a := range r.Actions {
		if a.Kind == "" {
			return fmt.Errorf("action %d is missing a type", i)
		}
	}
	return nil
}
