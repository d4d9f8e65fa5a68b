package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chain-sentinel/internal/schema"
)

// ActionOutcome records the result of executing a single action.
type ActionOutcome struct {
	Action   ActionType    `json:"action"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// MonitorEvent is the durable record of one trigger firing.
type MonitorEvent struct {
	ID        string          `json:"id"`
	TriggerID string          `json:"trigger_id"`
	TxHash    string          `json:"tx_hash"`
	Chain     string          `json:"chain"`
	RiskScore int             `json:"risk_score"`
	Matched   []string        `json:"matched_conditions"`
	Outcomes  []ActionOutcome `json:"outcomes"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recorder persists monitor events outside the engine's in-memory log.
type Recorder interface {
	RecordEvent(ctx context.Context, event *MonitorEvent) error
}

// EngineConfig configures the trigger engine.
type EngineConfig struct {
	// MaxEvents bounds the in-memory event log.
	MaxEvents int `yaml:"max_events" validate:"min=1"`
	// ActionTimeout bounds each individual action execution.
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"min=0"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxEvents:     10000,
		ActionTimeout: 10 * time.Second,
	}
}

// Engine evaluates registered triggers against assessed transactions and
// executes their actions. Actions within one firing run in declaration
// order; a failed action is recorded and the remaining actions still run.
type Engine struct {
	cfg       EngineConfig
	cooldowns CooldownStore
	recorder  Recorder
	logger    *slog.Logger

	mu       sync.RWMutex
	triggers map[string]*Trigger
	runners  map[ActionType]Runner
	events   []*MonitorEvent

	evaluated uint64
	fired     uint64
	throttled uint64
}

// NewEngine creates a trigger engine with the default action runners and an
// in-memory cooldown store.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultEngineConfig().MaxEvents
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultEngineConfig().ActionTimeout
	}

	e := &Engine{
		cfg:       cfg,
		cooldowns: NewMemoryCooldown(),
		logger:    logger,
		triggers:  make(map[string]*Trigger),
		runners:   make(map[ActionType]Runner),
	}
	e.runners[ActionNotify] = NewNotifyRunner(nil)
	e.runners[ActionWebhook] = NewWebhookRunner(cfg.ActionTimeout)
	e.runners[ActionLog] = LogRunner{}
	e.runners[ActionAlert] = NewAlertRunner(nil)
	return e
}

// SetCooldownStore replaces the cooldown store, e.g. with a Redis-backed
// implementation shared across processes.
func (e *Engine) SetCooldownStore(store CooldownStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = store
}

// SetRecorder installs a persistent event recorder.
func (e *Engine) SetRecorder(rec Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = rec
}

// SetRunner replaces the runner for an action type, e.g. to wire a real
// notifier or alert sink.
func (e *Engine) SetRunner(typ ActionType, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[typ] = r
}

// Register validates and registers a trigger. Registering an existing ID
// replaces the previous definition.
func (e *Engine) Register(trig *Trigger) error {
	if err := trig.Validate(); err != nil {
		return fmt.Errorf("invalid trigger %q: %w", trig.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.triggers[trig.ID]; exists {
		e.logger.Info("trigger replaced", "trigger_id", trig.ID, "name", trig.Name)
	} else {
		e.logger.Info("trigger registered", "trigger_id", trig.ID, "name", trig.Name)
	}
	e.triggers[trig.ID] = trig
	return nil
}

// Unregister removes a trigger. Removing an unknown ID is a no-op.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.triggers, id)
}

// Trigger returns the registered trigger with the given ID.
func (e *Engine) Trigger(id string) (*Trigger, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.triggers[id]
	return t, ok
}

// Triggers returns all registered triggers.
func (e *Engine) Triggers() []*Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		out = append(out, t)
	}
	return out
}

// Evaluate runs every enabled trigger against the transaction and its
// assessment. A trigger fires when all of its conditions match and it is
// outside its cooldown window. Returns the monitor events for triggers
// that fired.
func (e *Engine) Evaluate(ctx context.Context, tx *schema.Transaction, assessment *schema.RiskAssessment) []*MonitorEvent {
	e.mu.RLock()
	candidates := make([]*Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		if t.Enabled && t.MatchesChain(tx.Chain) {
			candidates = append(candidates, t)
		}
	}
	cooldowns := e.cooldowns
	e.mu.RUnlock()

	var fired []*MonitorEvent
	now := time.Now().UTC()

	for _, trig := range candidates {
		e.mu.Lock()
		e.evaluated++
		e.mu.Unlock()

		matched, ok := e.matchAll(trig, tx, assessment)
		if !ok {
			continue
		}

		key := cooldownKey(trig, tx)
		allow, err := cooldowns.ShouldFire(ctx, key, trig.Cooldown, now)
		if err != nil {
			e.logger.Error("cooldown check failed, firing anyway",
				"trigger_id", trig.ID, "error", err)
			allow = true
		}
		if !allow {
			e.mu.Lock()
			e.throttled++
			e.mu.Unlock()
			e.logger.Debug("trigger throttled by cooldown",
				"trigger_id", trig.ID, "tx", tx.Hash)
			continue
		}

		event := e.fire(ctx, trig, tx, assessment, matched, now)
		fired = append(fired, event)
	}
	return fired
}

// matchAll reports whether every condition of the trigger matches and
// returns descriptions of the matched conditions.
func (e *Engine) matchAll(trig *Trigger, tx *schema.Transaction, assessment *schema.RiskAssessment) ([]string, bool) {
	matched := make([]string, 0, len(trig.Conditions))
	for _, cond := range trig.Conditions {
		if !cond.Eval(tx, assessment) {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("%s %s %s", cond.Field, cond.Operator, cond.Value))
	}
	return matched, true
}

func (e *Engine) fire(ctx context.Context, trig *Trigger, tx *schema.Transaction, assessment *schema.RiskAssessment, matched []string, now time.Time) *MonitorEvent {
	firing := &Firing{
		Trigger:     trig,
		Transaction: tx,
		Assessment:  assessment,
		Matched:     matched,
		At:          now,
	}

	outcomes := make([]ActionOutcome, 0, len(trig.Actions))
	for _, spec := range trig.Actions {
		outcomes = append(outcomes, e.runAction(ctx, spec, firing))
	}

	event := &MonitorEvent{
		ID:        uuid.New().String(),
		TriggerID: trig.ID,
		TxHash:    tx.Hash,
		Chain:     tx.Chain,
		RiskScore: assessment.Score,
		Matched:   matched,
		Outcomes:  outcomes,
		Timestamp: now,
	}

	e.mu.Lock()
	e.fired++
	e.events = append(e.events, event)
	if len(e.events) > e.cfg.MaxEvents {
		e.events = e.events[len(e.events)-e.cfg.MaxEvents:]
	}
	rec := e.recorder
	e.mu.Unlock()

	if rec != nil {
		if err := rec.RecordEvent(ctx, event); err != nil {
			e.logger.Error("failed to persist monitor event",
				"event_id", event.ID, "trigger_id", trig.ID, "error", err)
		}
	}
	return event
}

func (e *Engine) runAction(ctx context.Context, spec ActionSpec, firing *Firing) ActionOutcome {
	e.mu.RLock()
	runner, ok := e.runners[spec.Type]
	e.mu.RUnlock()

	outcome := ActionOutcome{Action: spec.Type}
	if !ok {
		outcome.Error = fmt.Sprintf("no runner for action type %q", spec.Type)
		return outcome
	}

	actCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	start := time.Now()
	err := runner.Run(actCtx, spec, firing)
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Error = err.Error()
		e.logger.Error("trigger action failed",
			"trigger_id", firing.Trigger.ID,
			"action", spec.Type,
			"error", err)
	} else {
		outcome.OK = true
	}
	return outcome
}

// cooldownKey derives the cooldown key for a firing. Global scope throttles
// the trigger as a whole; address scope throttles per sending address.
func cooldownKey(trig *Trigger, tx *schema.Transaction) string {
	if trig.CooldownScope == ScopeAddress {
		return trig.ID + ":" + tx.From
	}
	return trig.ID
}

// Events returns up to limit monitor events, most recent first. An empty
// triggerID returns events across all triggers.
func (e *Engine) Events(triggerID string, limit int) []*MonitorEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]*MonitorEvent, 0, limit)
	for i := len(e.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := e.events[i]
		if triggerID != "" && ev.TriggerID != triggerID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	enabled := 0
	for _, t := range e.triggers {
		if t.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"triggers":         len(e.triggers),
		"triggers_enabled": enabled,
		"evaluated":        e.evaluated,
		"fired":            e.fired,
		"throttled":        e.throttled,
		"events_retained":  len(e.events),
	}
}
