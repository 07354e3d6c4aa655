package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pipeflow/automation/internal/app/domain/event"
	"github.com/pipeflow/automation/internal/app/metrics"
	"github.com/pipeflow/automation/internal/app/storage"
	"github.com/pipeflow/automation/pkg/logger"
)

// RuleProcessor runs matched rules for one event. Implemented by the rules
// service.
type RuleProcessor interface {
	ProcessEvent(ctx context.Context, evt event.AutomationEvent) (int, error)
}

// Listener receives events emitted in this process. Listeners run
// synchronously on the emitting goroutine and must return quickly.
type Listener func(evt event.AutomationEvent)

// Config carries the event bus tunables.
type Config struct {
	QueueSize          int
	DrainRatePerSecond float64
	WebhookTimeout     time.Duration
}

// DefaultConfig returns the bus defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{
		QueueSize:          1024,
		DrainRatePerSecond: 100,
		WebhookTimeout:     10 * time.Second,
	}
}

// Service is the event bus: it accepts emitted events, buffers them on a
// bounded queue, and drains them through the rule processor and any
// registered subscriptions.
type Service struct {
	store      storage.EventStore
	rules      RuleProcessor
	queue      chan event.AutomationEvent
	limiter    *rate.Limiter
	httpClient *http.Client
	log        *logger.Logger

	ring *eventRing

	mu        sync.Mutex
	listeners map[string][]Listener
	timers    map[string]*time.Timer
	started   bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates an event service draining into the given rule processor.
func New(store storage.EventStore, rules RuleProcessor, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("events")
	}
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DrainRatePerSecond <= 0 {
		cfg.DrainRatePerSecond = defaults.DrainRatePerSecond
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaults.WebhookTimeout
	}

	return &Service{
		store:      store,
		rules:      rules,
		queue:      make(chan event.AutomationEvent, cfg.QueueSize),
		limiter:    rate.NewLimiter(rate.Limit(cfg.DrainRatePerSecond), 1),
		httpClient: &http.Client{Timeout: cfg.WebhookTimeout},
		log:        log,
		ring:       newEventRing(ringSize),
		listeners:  make(map[string][]Listener),
		timers:     make(map[string]*time.Timer),
		stop:       make(chan struct{}),
	}
}

// Start launches the queue consumer. It is an error to start twice.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("event service already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.consume(ctx)
	s.log.Info("event service started")
	return nil
}

// Stop cancels pending scheduled events, stops the consumer, and waits for
// in-flight processing to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("event service stopped")
}

// Emit records and enqueues an event. Emit always returns an event ID:
// downstream failures (persistence, queue saturation, rule execution) are
// surfaced through the event log, never to the emitter.
func (s *Service) Emit(ctx context.Context, evt event.AutomationEvent) string {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.TenantID == "" {
		evt.TenantID = tenantFromPayload(evt.Payload)
	}

	if !s.knownType(ctx, evt.Type) {
		s.log.WithField("event_type", evt.Type).Warn("event type has no registered definition")
	}

	if err := s.store.InsertEventLogEntry(ctx, logEntryFor(evt)); err != nil {
		s.log.WithError(err).WithField("event_id", evt.ID).Warn("event log write failed")
	}
	metrics.RecordEventEmitted(evt.Type)
	s.ring.add(evt)

	s.notifyListeners(evt)

	select {
	case s.queue <- evt:
	default:
		s.log.WithField("event_id", evt.ID).
			WithField("event_type", evt.Type).
			Error("event queue full, event dropped")
		s.recordOutcome(ctx, evt.ID, false, 0, fmt.Errorf("event queue full"))
	}
	metrics.SetQueueDepth(len(s.queue))
	return evt.ID
}

// Schedule arranges for the event to be emitted at the given time. A time in
// the past emits immediately. The returned ID identifies the event once it
// fires.
func (s *Service) Schedule(ctx context.Context, evt event.AutomationEvent, at time.Time) string {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	delay := time.Until(at)
	if delay <= 0 {
		return s.Emit(ctx, evt)
	}

	s.mu.Lock()
	id := evt.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.Emit(context.Background(), evt)
	})
	s.mu.Unlock()

	s.log.WithField("event_id", id).
		WithField("event_type", evt.Type).
		WithField("fire_at", at.Format(time.RFC3339)).
		Debug("event scheduled")
	return id
}

// SubscribeLocal registers an in-process listener for an event type. The
// type "*" receives every event.
func (s *Service) SubscribeLocal(eventType string, fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[eventType] = append(s.listeners[eventType], fn)
}

// Subscribe registers an external endpoint to be notified of matching events.
func (s *Service) Subscribe(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	if sub.EventType == "" {
		return event.Subscription{}, fmt.Errorf("subscription event type is required")
	}
	if sub.Endpoint == "" {
		return event.Subscription{}, fmt.Errorf("subscription endpoint is required")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	return s.store.CreateSubscription(ctx, sub)
}

// Unsubscribe removes an external subscription.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return s.store.DeleteSubscription(ctx, subscriptionID)
}

// CreateDefinition registers an event type in the catalog.
func (s *Service) CreateDefinition(ctx context.Context, def event.Definition) (event.Definition, error) {
	if def.Type == "" {
		return event.Definition{}, fmt.Errorf("event definition type is required")
	}
	return s.store.CreateEventDefinition(ctx, def)
}

// Definitions lists the registered event types.
func (s *Service) Definitions(ctx context.Context) ([]event.Definition, error) {
	return s.store.ListEventDefinitions(ctx)
}

// EnsureDefaultDefinitions seeds the catalog with the built-in event types.
func (s *Service) EnsureDefaultDefinitions(ctx context.Context) error {
	for _, def := range event.DefaultDefinitions() {
		if _, err := s.store.CreateEventDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Type, err)
		}
	}
	return nil
}

// EventLog returns the audit trail of emitted events, newest first.
func (s *Service) EventLog(ctx context.Context, filter storage.EventLogFilter) ([]event.LogEntry, error) {
	return s.store.ListEventLog(ctx, filter)
}

// RecentEvents returns the most recently emitted events, newest first,
// regardless of their processing state.
func (s *Service) RecentEvents(n int) []event.AutomationEvent {
	return s.ring.recent(n)
}

// RecentEventsByType returns the most recent events of one type, newest first.
func (s *Service) RecentEventsByType(eventType string, n int) []event.AutomationEvent {
	return s.ring.recentByType(eventType, n)
}

// QueueDepth reports the number of events waiting for the consumer.
func (s *Service) QueueDepth() int {
	return len(s.queue)
}

func (s *Service) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case evt := <-s.queue:
			metrics.SetQueueDepth(len(s.queue))
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			// Processing runs off the consumer goroutine so a slow or
			// delayed rule cannot starve the queue; true concurrency is
			// bounded by the execution tracker inside the rule processor.
			s.wg.Add(1)
			go func(evt event.AutomationEvent) {
				defer s.wg.Done()
				s.process(ctx, evt)
			}(evt)
		}
	}
}

func (s *Service) process(ctx context.Context, evt event.AutomationEvent) {
	start := time.Now()

	matched, err := s.rules.ProcessEvent(ctx, evt)
	s.notifySubscriptions(ctx, evt)

	elapsed := time.Since(start)
	s.recordOutcome(ctx, evt.ID, err == nil, elapsed, err)
	metrics.RecordEventProcessed(err == nil, elapsed)

	entry := s.log.WithField("event_id", evt.ID).
		WithField("event_type", evt.Type).
		WithField("matched_rules", matched).
		WithField("duration", elapsed.String())
	if err != nil {
		entry.WithError(err).Error("event processing failed")
		return
	}
	entry.Debug("event processed")
}

func (s *Service) recordOutcome(ctx context.Context, eventID string, processed bool, elapsed time.Duration, procErr error) {
	errStr := ""
	if procErr != nil {
		errStr = procErr.Error()
	}
	if err := s.store.UpdateEventLogEntry(ctx, eventID, processed, elapsed, errStr); err != nil {
		s.log.WithError(err).WithField("event_id", eventID).Warn("event log update failed")
	}
}

func (s *Service) notifyListeners(evt event.AutomationEvent) {
	s.mu.Lock()
	fns := append(append([]Listener(nil), s.listeners[evt.Type]...), s.listeners["*"]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// notifySubscriptions delivers the event to registered endpoints.
// Deliveries are best-effort: a failed endpoint is logged and skipped.
func (s *Service) notifySubscriptions(ctx context.Context, evt event.AutomationEvent) {
	subs, err := s.store.GetSubscriptions(ctx, evt.Type)
	if err != nil {
		s.log.WithError(err).WithField("event_type", evt.Type).Warn("subscription lookup failed")
		return
	}
	for _, sub := range subs {
		if !sub.Active || !filtersMatch(sub.Filters, evt.Payload) {
			continue
		}
		if err := s.deliver(ctx, sub, evt); err != nil {
			metrics.RecordWebhookDelivery(false)
			s.log.WithError(err).
				WithField("subscription_id", sub.ID).
				WithField("endpoint", sub.Endpoint).
				Warn("subscription delivery failed")
			continue
		}
		metrics.RecordWebhookDelivery(true)
	}
}

func (s *Service) deliver(ctx context.Context, sub event.Subscription, evt event.AutomationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", evt.Type)
	req.Header.Set("X-Event-Id", evt.ID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) knownType(ctx context.Context, eventType string) bool {
	defs, err := s.store.ListEventDefinitions(ctx)
	if err != nil {
		return true
	}
	for _, def := range defs {
		if def.Type == eventType {
			return true
		}
	}
	return len(defs) == 0
}

// filtersMatch requires every filter key to equal the corresponding payload
// value. A subscription without filters matches everything.
func filtersMatch(filters map[string]interface{}, payload map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func tenantFromPayload(payload map[string]interface{}) string {
	for _, key := range []string{"tenantId", "tenant_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func logEntryFor(evt event.AutomationEvent) event.LogEntry {
	return event.LogEntry{
		EventID:    evt.ID,
		Type:       evt.Type,
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		Payload:    evt.Payload,
		Timestamp:  evt.Timestamp,
		UserID:     evt.UserID,
		TenantID:   evt.TenantID,
		Processed:  false,
	}
}
