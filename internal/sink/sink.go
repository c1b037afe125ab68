// Package sink provides the external services actions deliver to: email
// queues and the record mutation service.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Querier is the subset of *dbpool.Pool the Postgres sinks use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify marks errors the database raised because of the request itself
// (constraint violations, bad columns, bad values) as sink rejections.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return fmt.Errorf("%s: %w: %s", op, rule.ErrSinkRejected, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
