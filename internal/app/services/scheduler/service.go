// Package scheduler runs schedule-triggered rules on their cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/pkg/logger"
)

// RuleSource lists the rules the scheduler should run.
type RuleSource interface {
	GetScheduledRules(ctx context.Context) ([]rule.BusinessRule, error)
}

// Runner executes one scheduled rule when its cron expression fires.
type Runner interface {
	RunScheduledRule(ctx context.Context, r rule.BusinessRule) (rule.Execution, error)
}

// refreshInterval is how often the scheduler re-reads the rule store to pick
// up created, changed, or deactivated schedules.
const refreshInterval = time.Minute

// Service owns the cron runner and keeps its entries in sync with the
// schedule-triggered rules in the store.
type Service struct {
	source RuleSource
	runner Runner
	cron   *cron.Cron
	log    *logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // rule ID -> cron entry
	specs   map[string]string       // rule ID -> cron spec currently registered
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// SweepOverdueTasks, when set before Start, runs hourly. It exists for
	// hosts that want the task.overdue event fed from their task store.
	SweepOverdueTasks func(ctx context.Context)
}

// New creates a scheduler service.
func New(source RuleSource, runner Runner, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Service{
		source:  source,
		runner:  runner,
		cron:    cron.New(),
		log:     log,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
		stop:    make(chan struct{}),
	}
}

// Start loads the scheduled rules, starts the cron runner, and begins
// polling the store for schedule changes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load scheduled rules: %w", err)
	}

	if s.SweepOverdueTasks != nil {
		sweep := s.SweepOverdueTasks
		if _, err := s.cron.AddFunc("@hourly", func() { sweep(context.Background()) }); err != nil {
			return fmt.Errorf("failed to register overdue task sweep: %w", err)
		}
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.refreshLoop(ctx)

	s.log.WithField("rules", len(s.entries)).Info("scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Refresh reconciles cron entries with the schedule-triggered rules currently
// in the store.
func (s *Service) Refresh(ctx context.Context) error {
	rules, err := s.source.GetScheduledRules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		seen[r.ID] = true
		if s.specs[r.ID] == r.Trigger.Schedule {
			continue
		}
		if id, ok := s.entries[r.ID]; ok {
			s.cron.Remove(id)
		}

		r := r
		entryID, err := s.cron.AddFunc(r.Trigger.Schedule, func() { s.fire(r) })
		if err != nil {
			s.log.WithError(err).
				WithField("rule_id", r.ID).
				WithField("schedule", r.Trigger.Schedule).
				Warn("invalid cron expression, rule skipped")
			delete(s.entries, r.ID)
			delete(s.specs, r.ID)
			continue
		}
		s.entries[r.ID] = entryID
		s.specs[r.ID] = r.Trigger.Schedule
	}

	for ruleID, entryID := range s.entries {
		if !seen[ruleID] {
			s.cron.Remove(entryID)
			delete(s.entries, ruleID)
			delete(s.specs, ruleID)
		}
	}
	return nil
}

// ScheduledRuleCount reports how many rules currently have cron entries.
func (s *Service) ScheduledRuleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.WithError(err).Warn("schedule refresh failed")
			}
		}
	}
}

func (s *Service) fire(r rule.BusinessRule) {
	exec, err := s.runner.RunScheduledRule(context.Background(), r)
	if err != nil {
		s.log.WithError(err).WithField("rule_id", r.ID).Warn("scheduled rule did not run")
		return
	}
	s.log.WithField("rule_id", r.ID).
		WithField("execution_id", exec.ID).
		WithField("status", string(exec.Status)).
		Debug("scheduled rule fired")
}
