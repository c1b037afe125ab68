package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RowFetcher reads the current image of a row. The listener uses it to
// restore rows whose notification payload was too large to carry them.
type RowFetcher interface {
	FetchRow(ctx context.Context, tenantID, table, recordID string) (map[string]any, error)
}

// Querier is the subset of *dbpool.Pool PostgresRowFetcher needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrRowGone is returned when the row no longer exists for the tenant.
var ErrRowGone = errors.New("row no longer exists")

// PostgresRowFetcher selects rows as JSON, scoped by school_id.
type PostgresRowFetcher struct {
	q Querier
}

// NewPostgresRowFetcher creates a PostgresRowFetcher over q.
func NewPostgresRowFetcher(q Querier) *PostgresRowFetcher {
	return &PostgresRowFetcher{q: q}
}

func (f *PostgresRowFetcher) FetchRow(ctx context.Context, tenantID, table, recordID string) (map[string]any, error) {
	var raw []byte
	err := f.q.QueryRow(ctx, fetchRowSQL(table), tenantID, recordID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, recordID, ErrRowGone)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", table, recordID, err)
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", table, recordID, err)
	}
	return row, nil
}

func fetchRowSQL(table string) string {
	return "SELECT to_jsonb(t) FROM " + pgx.Identifier{table}.Sanitize() +
		" t WHERE t.school_id = $1 AND t.id::text = $2"
}
