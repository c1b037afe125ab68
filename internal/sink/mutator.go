package sink

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// tenantColumn scopes every tenant table.
const tenantColumn = "school_id"

// PostgresMutator updates and inserts rows of tenant tables. Table and
// column names are quoted with pgx.Identifier; every statement is scoped
// by school_id.
type PostgresMutator struct {
	db      Querier
	allowed map[string]bool
}

// NewPostgresMutator creates a PostgresMutator. An empty allowedTables
// permits any table.
func NewPostgresMutator(db Querier, allowedTables []string) *PostgresMutator {
	m := &PostgresMutator{db: db}
	if len(allowedTables) > 0 {
		m.allowed = make(map[string]bool, len(allowedTables))
		for _, t := range allowedTables {
			m.allowed[t] = true
		}
	}
	return m
}

// Update sets fields on one row of the tenant and returns the affected row count.
func (m *PostgresMutator) Update(ctx context.Context, tenantID, table, recordID string, fields map[string]any) (int64, error) {
	sql, args, err := m.buildUpdate(tenantID, table, recordID, fields)
	if err != nil {
		return 0, err
	}
	tag, err := m.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classify("update "+table, err)
	}
	return tag.RowsAffected(), nil
}

// Create inserts a row for the tenant and returns its id.
func (m *PostgresMutator) Create(ctx context.Context, tenantID, table string, fields map[string]any) (string, error) {
	sql, args, err := m.buildInsert(tenantID, table, fields)
	if err != nil {
		return "", err
	}
	var id string
	if err := m.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return "", classify("insert into "+table, err)
	}
	return id, nil
}

func (m *PostgresMutator) buildUpdate(tenantID, table, recordID string, fields map[string]any) (string, []any, error) {
	if err := m.check(table, fields); err != nil {
		return "", nil, err
	}
	if recordID == "" {
		return "", nil, fmt.Errorf("update %s: %w: record id is required", table, rule.ErrSinkRejected)
	}

	cols := sortedKeys(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = pgx.Identifier{c}.Sanitize() + " = $" + strconv.Itoa(i+1)
		args = append(args, fields[c])
	}
	n := len(cols)
	args = append(args, tenantID, recordID)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d AND id::text = $%d",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "),
		pgx.Identifier{tenantColumn}.Sanitize(), n+1, n+2)
	return sql, args, nil
}

func (m *PostgresMutator) buildInsert(tenantID, table string, fields map[string]any) (string, []any, error) {
	if err := m.check(table, fields); err != nil {
		return "", nil, err
	}

	cols := append([]string{tenantColumn}, sortedKeys(fields)...)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	args[0] = tenantID
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		placeholders[i] = "$" + strconv.Itoa(i+1)
		if i > 0 {
			args[i] = fields[c]
		}
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id::text",
		pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return sql, args, nil
}

func (m *PostgresMutator) check(table string, fields map[string]any) error {
	if table == "" {
		return fmt.Errorf("%w: table is required", rule.ErrSinkRejected)
	}
	if m.allowed != nil && !m.allowed[table] {
		return fmt.Errorf("%w: table %q is not writable by rules", rule.ErrSinkRejected, table)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields to write", rule.ErrSinkRejected)
	}
	for c := range fields {
		if c == tenantColumn || c == "id" {
			return fmt.Errorf("%w: column %q cannot be set by rules", rule.ErrSinkRejected, c)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryMutator applies row changes to in-process tables keyed by tenant,
// table and id.
type MemoryMutator struct {
	mu   sync.Mutex
	rows map[string]map[string]any // tenant/table/id -> row
}

// NewMemoryMutator creates an empty MemoryMutator.
func NewMemoryMutator() *MemoryMutator {
	return &MemoryMutator{rows: make(map[string]map[string]any)}
}

func rowKey(tenantID, table, id string) string {
	return tenantID + "/" + table + "/" + id
}

// Put seeds a row.
func (m *MemoryMutator) Put(tenantID, table, id string, row map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(map[string]any, len(row)+1)
	for k, v := range row {
		c[k] = v
	}
	c["id"] = id
	m.rows[rowKey(tenantID, table, id)] = c
}

// Row returns a copy of a stored row.
func (m *MemoryMutator) Row(tenantID, table, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowKey(tenantID, table, id)]
	if !ok {
		return nil, false
	}
	c := make(map[string]any, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c, true
}

func (m *MemoryMutator) Update(_ context.Context, tenantID, table, recordID string, fields map[string]any) (int64, error) {
	if table == "" || len(fields) == 0 {
		return 0, fmt.Errorf("%w: table and fields are required", rule.ErrSinkRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowKey(tenantID, table, recordID)]
	if !ok {
		return 0, nil
	}
	for k, v := range fields {
		r[k] = v
	}
	return 1, nil
}

func (m *MemoryMutator) Create(_ context.Context, tenantID, table string, fields map[string]any) (string, error) {
	if table == "" {
		return "", fmt.Errorf("%w: table is required", rule.ErrSinkRejected)
	}
	id := uuid.NewString()
	m.Put(tenantID, table, id, fields)
	return id, nil
}

var (
	_ record.Mutator = (*PostgresMutator)(nil)
	_ record.Mutator = (*MemoryMutator)(nil)
)
