// Package store defines the persistence contracts the rule engine depends on.
//
// Every call takes the tenant id explicitly; implementations scope all reads
// and writes to that tenant.
package store

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// RuleStore is the engine's read view of rule definitions plus the single
// field it writes.
type RuleStore interface {
	// ListActiveRules returns the tenant's active rules. A non-empty table
	// restricts the result to rules watching that table plus time_based rules.
	ListActiveRules(ctx context.Context, tenantID, table string) ([]*rule.Rule, error)
	// TouchLastExecuted advances the rule's last_executed to at. It never
	// moves the timestamp backwards.
	TouchLastExecuted(ctx context.Context, tenantID, ruleID string, at time.Time) error
}

// ScheduleSource lists time_based rules across tenants for the scheduler.
type ScheduleSource interface {
	ListTimeBasedRules(ctx context.Context) ([]*rule.Rule, error)
}

// LogStore is append-only persistence for execution logs.
type LogStore interface {
	Append(ctx context.Context, log *rule.ExecutionLog) (string, error)
}

// LogQuery filters ListExecutions.
type LogQuery struct {
	RuleID  string
	Success *bool
	Since   *time.Time
	Limit   int
	Offset  int
}

// DefaultLogLimit applies when LogQuery.Limit is not positive.
const DefaultLogLimit = 50

// MaxLogLimit caps LogQuery.Limit.
const MaxLogLimit = 500

// NormalizedLimit returns the effective page size.
func (q LogQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLogLimit
	case q.Limit > MaxLogLimit:
		return MaxLogLimit
	}
	return q.Limit
}

// LogReader serves the execution log viewer. Results are newest first; the
// bool reports whether more rows follow the page.
type LogReader interface {
	ListExecutions(ctx context.Context, tenantID string, q LogQuery) ([]rule.ExecutionLog, bool, error)
}

// Matches reports whether log satisfies q's filters, ignoring paging.
func (q LogQuery) Matches(log *rule.ExecutionLog) bool {
	if q.RuleID != "" && log.BusinessRuleID != q.RuleID {
		return false
	}
	if q.Success != nil && log.Success != *q.Success {
		return false
	}
	if q.Since != nil && log.ExecutedAt.Before(*q.Since) {
		return false
	}
	return true
}
