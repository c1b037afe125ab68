package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/config"
	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
	"github.com/gyaneshwarpardhi/ruleflow/internal/trigger"
)

var (
	// ErrQueueFull is returned when the event queue has no free slot.
	ErrQueueFull = errors.New("event queue full")
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrTimeout is returned by ProcessSync when the result does not arrive in time.
	ErrTimeout = errors.New("event processing timeout")
)

// Dispatcher runs a rule's actions. *action.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, specs []rule.ActionSpec, actx *action.Context) ([]rule.ActionOutcome, error)
}

// EventResult is the outcome of processing a single event.
type EventResult struct {
	EventID      string          `json:"event_id"`
	DurationMs   int64           `json:"duration_ms"`
	RulesMatched []string        `json:"rules_matched"`
	Firings      []*FiringResult `json:"firings"`
	Error        string          `json:"error,omitempty"`
}

// FiringResult summarizes one rule firing for the caller.
type FiringResult struct {
	RuleID          string      `json:"rule_id"`
	LogID           string      `json:"log_id,omitempty"`
	State           FiringState `json:"state"`
	FailedAt        FiringState `json:"failed_at,omitempty"`
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
}

// Engine matches change events against the rule store, dispatches actions
// and writes one execution log per firing.
type Engine struct {
	rules      store.RuleStore
	logs       store.LogStore
	dispatcher Dispatcher
	eventPool  *workerPool[*eventWork, *EventResult]
	conf       config.EngineConf
	locksMu    sync.Mutex
	ruleLocks  map[string]*ruleLock
	now        func() time.Time
}

// ruleLock is held while a rule fires. refs counts holders and waiters.
type ruleLock struct {
	mu   sync.Mutex
	refs int
}

type eventWork struct {
	ev      *event.ChangeEvent
	resultC chan eventOutcome
}

type eventOutcome struct {
	res *EventResult
	err error
}

// New creates an Engine using conf and starts the event worker pool.
// The pool stops when ctx is cancelled or Shutdown is called.
func New(ctx context.Context, rules store.RuleStore, logs store.LogStore, d Dispatcher, conf config.EngineConf) *Engine {
	conf = conf.WithDefaults()
	e := &Engine{
		rules:      rules,
		logs:       logs,
		dispatcher: d,
		conf:       conf,
		ruleLocks:  make(map[string]*ruleLock),
		now:        func() time.Time { return time.Now().UTC() },
	}
	e.eventPool = newWorkerPool[*eventWork, *EventResult](
		ctx,
		conf.EventWorkers,
		conf.QueueDepth,
		func(ctx context.Context, w *eventWork) (*EventResult, error) {
			res, err := e.Process(ctx, w.ev)
			if w.resultC != nil {
				w.resultC <- eventOutcome{res: res, err: err}
			} else if err != nil {
				metrics.EventsFailed.WithLabelValues("async").Inc()
				slog.Error("event processing failed", "event_id", w.ev.ID, "tenant", w.ev.TenantID, "err", err)
			}
			return res, err
		},
	)
	return e
}

// ProcessSync queues ev and waits for its result.
func (e *Engine) ProcessSync(ctx context.Context, ev *event.ChangeEvent) (*EventResult, error) {
	resultC := make(chan eventOutcome, 1)
	if !e.eventPool.Submit(&eventWork{ev: ev, resultC: resultC}) {
		metrics.EventsDropped.Inc()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, e.conf.QueueDepth)
	}
	metrics.EventsEnqueued.Inc()

	timeout := time.Duration(e.conf.EventTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-resultC:
		return out.res, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessAsync enqueues an event for background processing. Returns false if the queue is full.
func (e *Engine) ProcessAsync(ev *event.ChangeEvent) bool {
	if !e.eventPool.Submit(&eventWork{ev: ev}) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	return true
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.eventPool.QueueCap() == 0 {
		return 0
	}
	return float64(e.eventPool.QueueLen()) / float64(e.eventPool.QueueCap())
}

// Shutdown drains the event pool gracefully.
func (e *Engine) Shutdown() {
	e.eventPool.Drain()
}

// Process runs ev through matching and dispatch on the calling goroutine.
//
// A failure to list rules is returned as a *rule.StoreError before anything
// fires. Otherwise every candidate and every rule that failed matching gets
// exactly one execution log; log or last_executed write failures are joined
// and returned after all firings finished, so the caller can retry the event.
func (e *Engine) Process(ctx context.Context, ev *event.ChangeEvent) (*EventResult, error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	slog.Debug("firing state", "event_id", ev.ID, "state", StateEventReceived)

	table := ev.Table
	if ev.Operation == event.OpTimeBased {
		table = ""
	}
	sctx, cancel := e.storeContext(ctx)
	rules, err := e.rules.ListActiveRules(sctx, ev.TenantID, table)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_active_rules").Inc()
		return nil, &rule.StoreError{Op: "list_active_rules", Err: err}
	}
	slog.Debug("firing state", "event_id", ev.ID, "state", StateRulesMatched, "rules", len(rules))

	m := trigger.Match(ev, rules)
	slog.Debug("firing state", "event_id", ev.ID, "state", StateConditionsEvaluated,
		"candidates", len(m.Candidates), "failures", len(m.Failures))

	res := &EventResult{
		EventID:      ev.ID,
		RulesMatched: make([]string, 0, len(m.Candidates)),
		Firings:      make([]*FiringResult, len(m.Candidates)+len(m.Failures)),
	}
	for _, r := range m.Candidates {
		res.RulesMatched = append(res.RulesMatched, r.ID)
		metrics.RulesMatched.WithLabelValues(string(r.TriggerType)).Inc()
	}

	// Once dispatch starts a firing must finish and be logged.
	fctx := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		storeErr []error
	)
	collect := func(i int, fr *FiringResult, err error) {
		res.Firings[i] = fr
		if err != nil {
			mu.Lock()
			storeErr = append(storeErr, err)
			mu.Unlock()
		}
	}

	var g errgroup.Group
	g.SetLimit(e.conf.RuleParallelism)
	for i, r := range m.Candidates {
		g.Go(func() error {
			fr, err := e.fire(fctx, ev, r)
			collect(i, fr, err)
			return nil
		})
	}
	for j, f := range m.Failures {
		g.Go(func() error {
			fr, err := e.recordMatchFailure(fctx, ev, f)
			collect(len(m.Candidates)+j, fr, err)
			return nil
		})
	}
	_ = g.Wait()

	res.DurationMs = time.Since(start).Milliseconds()
	metrics.EventsProcessed.Inc()
	metrics.EventProcessingDuration.Observe(float64(res.DurationMs))

	if err := errors.Join(storeErr...); err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// fire dispatches r's actions for ev and records the firing.
func (e *Engine) fire(ctx context.Context, ev *event.ChangeEvent, r *rule.Rule) (*FiringResult, error) {
	unlock := e.lockRule(r.ID)
	defer unlock()

	actx := &action.Context{
		TenantID:       ev.TenantID,
		RuleID:         r.ID,
		TriggerEvent:   r.TriggerType,
		TargetTable:    ev.Table,
		TargetRecordID: ev.RecordID(),
		BeforeValues:   ev.OldRow,
		AfterValues:    ev.NewRow,
	}

	slog.Debug("firing state", "event_id", ev.ID, "rule_id", r.ID, "state", StateActionsDispatched)
	start := time.Now()
	outcomes, err := e.dispatcher.Dispatch(ctx, r.Actions, actx)
	elapsed := time.Since(start)
	metrics.FiringDuration.Observe(float64(elapsed.Milliseconds()))

	if outcomes == nil {
		outcomes = []rule.ActionOutcome{}
	}
	log := e.newLog(ev, r)
	log.ActionDetails = outcomes
	log.Success = err == nil
	log.ExecutionTimeMs = elapsed.Milliseconds()
	if err != nil {
		log.ErrorMessage = err.Error()
	}
	return e.record(ctx, r, log, StateActionsDispatched)
}

// recordMatchFailure logs a rule that could not be matched against ev.
func (e *Engine) recordMatchFailure(ctx context.Context, ev *event.ChangeEvent, f trigger.Failure) (*FiringResult, error) {
	unlock := e.lockRule(f.Rule.ID)
	defer unlock()

	log := e.newLog(ev, f.Rule)
	log.ActionDetails = []rule.ActionOutcome{}
	log.Success = false
	log.ErrorMessage = f.Err.Error()
	return e.record(ctx, f.Rule, log, StateConditionsEvaluated)
}

func (e *Engine) newLog(ev *event.ChangeEvent, r *rule.Rule) *rule.ExecutionLog {
	trig, _ := ev.Operation.TriggerType()
	log := rule.ExecutionLog{
		ID:             rule.NewLogID(),
		BusinessRuleID: r.ID,
		SchoolID:       ev.TenantID,
		TriggerEvent:   trig,
		TargetTable:    ev.Table,
		TargetRecordID: ev.RecordID(),
		BeforeValues:   ev.OldRow,
		AfterValues:    ev.NewRow,
		ExecutedAt:     e.now(),
	}
	// Snapshot the rows; the caller keeps ownership of the event.
	snap := log.Clone()
	return &snap
}

// record appends log and then advances the rule's last_executed. A firing
// whose log could not be written is not considered terminal, so
// last_executed is left alone.
func (e *Engine) record(ctx context.Context, r *rule.Rule, log *rule.ExecutionLog, stage FiringState) (*FiringResult, error) {
	fr := &FiringResult{
		RuleID:          r.ID,
		Success:         log.Success,
		Error:           log.ErrorMessage,
		ExecutionTimeMs: log.ExecutionTimeMs,
		State:           StateCompleted,
	}
	if !log.Success {
		fr.State = StateFailed
		fr.FailedAt = stage
		slog.Warn("rule firing failed",
			"tenant", log.SchoolID,
			"rule_id", r.ID,
			"table", log.TargetTable,
			"record_id", log.TargetRecordID,
			"stage", stage,
			"err", log.ErrorMessage,
		)
	}
	metrics.Firings.WithLabelValues(string(fr.State)).Inc()

	sctx, cancel := e.storeContext(ctx)
	id, err := e.logs.Append(sctx, log)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append_log").Inc()
		slog.Error("execution log write failed", "tenant", log.SchoolID, "rule_id", r.ID, "err", err)
		return fr, &rule.StoreError{Op: "append_log", Err: fmt.Errorf("rule %s: %w", r.ID, err)}
	}
	fr.LogID = id

	sctx, cancel = e.storeContext(ctx)
	err = e.rules.TouchLastExecuted(sctx, r.TenantID, r.ID, log.ExecutedAt)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("touch_last_executed").Inc()
		slog.Error("last_executed update failed", "tenant", r.TenantID, "rule_id", r.ID, "err", err)
		return fr, &rule.StoreError{Op: "touch_last_executed", Err: fmt.Errorf("rule %s: %w", r.ID, err)}
	}
	return fr, nil
}

// lockRule serializes firings of one rule and returns the unlock func.
// The entry is removed when the last holder unlocks.
func (e *Engine) lockRule(id string) func() {
	e.locksMu.Lock()
	l := e.ruleLocks[id]
	if l == nil {
		l = &ruleLock{}
		e.ruleLocks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.ruleLocks, id)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(e.conf.StoreTimeoutMs)*time.Millisecond)
}
