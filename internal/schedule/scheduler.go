// Package schedule turns time_based rules into periodic change events.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
)

// Sink accepts scheduler ticks. *engine.Engine satisfies it.
type Sink interface {
	ProcessAsync(ev *event.ChangeEvent) bool
}

// parser accepts standard five-field specs and descriptors like @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per active time_based rule and refreshes
// the set from the rule source periodically.
type Scheduler struct {
	source  store.ScheduleSource
	sink    Sink
	cron    *cron.Cron
	refresh time.Duration

	mu      sync.Mutex
	entries map[string]entry // tenant/rule id -> cron entry
}

// New creates a Scheduler evaluating specs in loc.
func New(source store.ScheduleSource, sink Sink, refresh time.Duration, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		source:  source,
		sink:    sink,
		cron:    cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		refresh: refresh,
		entries: make(map[string]entry),
	}
}

// Start loads the schedules, starts the cron runner and refreshes the
// schedules every refresh interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		slog.Error("initial schedule sync failed", "err", err)
	}
	s.cron.Start()

	go func() {
		t := time.NewTicker(s.refresh)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.Sync(ctx); err != nil {
					slog.Error("schedule sync failed", "err", err)
				}
			}
		}
	}()
}

// Stop stops the cron runner and waits for running ticks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the active time_based rules. Rules
// with an unparsable schedule are skipped and logged.
func (s *Scheduler) Sync(ctx context.Context) error {
	rules, err := s.source.ListTimeBasedRules(ctx)
	if err != nil {
		return fmt.Errorf("listing time_based rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Schedule == "" {
			continue
		}
		key := ruleKey(r)
		seen[key] = true

		if cur, ok := s.entries[key]; ok {
			if cur.spec == r.Schedule {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, key)
		}

		id, err := s.cron.AddJob(r.Schedule, &tickJob{sink: s.sink, tenantID: r.TenantID, ruleID: r.ID})
		if err != nil {
			slog.Warn("invalid rule schedule", "tenant", r.TenantID, "rule_id", r.ID, "schedule", r.Schedule, "err", err)
			continue
		}
		s.entries[key] = entry{id: id, spec: r.Schedule}
		slog.Debug("rule scheduled", "tenant", r.TenantID, "rule_id", r.ID, "schedule", r.Schedule)
	}

	for key, e := range s.entries {
		if !seen[key] {
			s.cron.Remove(e.id)
			delete(s.entries, key)
		}
	}
	return nil
}

// Schedules returns the current tenant/rule id -> spec mapping.
func (s *Scheduler) Schedules() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.spec
	}
	return out
}

// ValidSchedule reports whether spec parses with the scheduler's parser.
func ValidSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// tickJob emits one time_based event for a single rule.
type tickJob struct {
	sink     Sink
	tenantID string
	ruleID   string
}

func (j *tickJob) Run() {
	now := time.Now().UTC()
	ev := &event.ChangeEvent{
		ID:         uuid.NewString(),
		TenantID:   j.tenantID,
		Operation:  event.OpTimeBased,
		RuleID:     j.ruleID,
		OccurredAt: now,
		ReceivedAt: now,
	}
	metrics.ScheduledTicks.Inc()
	if !j.sink.ProcessAsync(ev) {
		slog.Warn("event queue full, scheduled tick dropped", "tenant", j.tenantID, "rule_id", j.ruleID)
	}
}

var _ cron.Job = (*tickJob)(nil)

func ruleKey(r *rule.Rule) string { return r.TenantID + "/" + r.ID }
