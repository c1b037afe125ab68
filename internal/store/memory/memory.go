// Package memory provides in-process rule and execution log stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
)

// RuleStore keeps rules in memory. Callers always receive copies.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*rule.Rule
}

// NewRuleStore creates a RuleStore seeded with rules.
func NewRuleStore(rules ...*rule.Rule) *RuleStore {
	s := &RuleStore{rules: make(map[string]*rule.Rule)}
	for _, r := range rules {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a rule. A zero CreatedAt is set to now.
func (s *RuleStore) Put(r *rule.Rule) {
	c := r.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[c.ID] = c
}

// Replace swaps the full rule set. last_executed carries over for rules
// whose id survives.
func (s *RuleStore) Replace(rules []*rule.Rule) {
	next := make(map[string]*rule.Rule, len(rules))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		c := r.Clone()
		if prev, ok := s.rules[c.ID]; ok && prev.LastExecuted != nil && c.LastExecuted == nil {
			t := *prev.LastExecuted
			c.LastExecuted = &t
		}
		next[c.ID] = c
	}
	s.rules = next
}

// Get returns one rule of the tenant.
func (s *RuleStore) Get(_ context.Context, tenantID, ruleID string) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("rule %s: %w", ruleID, rule.ErrNotFound)
	}
	return r.Clone(), nil
}

// Len returns the number of stored rules.
func (s *RuleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (s *RuleStore) ListActiveRules(_ context.Context, tenantID, table string) ([]*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range s.rules {
		if !r.IsActive || r.TenantID != tenantID {
			continue
		}
		if table != "" && r.TriggerType != rule.TriggerTimeBased && r.TriggerTable != table {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return rule.Less(out[i], out[j]) })
	return out, nil
}

func (s *RuleStore) ListTimeBasedRules(_ context.Context) ([]*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range s.rules {
		if r.IsActive && r.TriggerType == rule.TriggerTimeBased {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return rule.Less(out[i], out[j]) })
	return out, nil
}

func (s *RuleStore) TouchLastExecuted(_ context.Context, tenantID, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return fmt.Errorf("touch rule %s: %w", ruleID, rule.ErrNotFound)
	}
	if r.LastExecuted == nil || at.After(*r.LastExecuted) {
		t := at.UTC()
		r.LastExecuted = &t
	}
	return nil
}

// LogStore is an append-only in-memory execution log.
type LogStore struct {
	mu   sync.RWMutex
	logs []rule.ExecutionLog
}

// NewLogStore creates an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Append(_ context.Context, log *rule.ExecutionLog) (string, error) {
	entry := log.Clone()
	if entry.ID == "" {
		entry.ID = rule.NewLogID()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return entry.ID, nil
}

// All returns every log in append order.
func (s *LogStore) All() []rule.ExecutionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rule.ExecutionLog, len(s.logs))
	for i := range s.logs {
		out[i] = s.logs[i].Clone()
	}
	return out
}

func (s *LogStore) ListExecutions(_ context.Context, tenantID string, q store.LogQuery) ([]rule.ExecutionLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := q.NormalizedLimit()
	skipped := 0
	var out []rule.ExecutionLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := &s.logs[i]
		if l.SchoolID != tenantID || !q.Matches(l) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, l.Clone())
	}
	return out, false, nil
}

var (
	_ store.RuleStore      = (*RuleStore)(nil)
	_ store.ScheduleSource = (*RuleStore)(nil)
	_ store.LogStore       = (*LogStore)(nil)
	_ store.LogReader      = (*LogStore)(nil)
)
