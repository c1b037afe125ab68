// Package postgres implements the rule store, execution log store and log
// reader on PostgreSQL via pgx.
package postgres

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/dbpool"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
)

const defaultQueryTimeout = 10 * time.Second

// Store provides data access for business_rules and business_rule_logs.
type Store struct {
	pool *dbpool.Pool
}

// New creates a Store on pool.
func New(pool *dbpool.Pool) *Store {
	return &Store{pool: pool}
}

// withTimeout bounds a query when the caller set no earlier deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

var (
	_ store.RuleStore      = (*Store)(nil)
	_ store.ScheduleSource = (*Store)(nil)
	_ store.LogStore       = (*Store)(nil)
	_ store.LogReader      = (*Store)(nil)
)
