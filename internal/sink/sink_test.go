package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action/email"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

type fakeRow struct {
	id  string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.id
	return nil
}

type fakeQuerier struct {
	sql  string
	args []any
	tag  string
	row  fakeRow
	err  error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag(f.tag), f.err
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql, f.args = sql, args
	return f.row
}

func TestPostgresMutator_Update(t *testing.T) {
	q := &fakeQuerier{tag: "UPDATE 1"}
	m := NewPostgresMutator(q, nil)

	n, err := m.Update(context.Background(), "school-1", "tasks", "t-1", map[string]any{"status": "archived", "archived_at": "2024-09-01"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, `UPDATE "tasks" SET "archived_at" = $1, "status" = $2 WHERE "school_id" = $3 AND id::text = $4`, q.sql)
	assert.Equal(t, []any{"2024-09-01", "archived", "school-1", "t-1"}, q.args)
}

func TestPostgresMutator_Create(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{id: "new-7"}}
	m := NewPostgresMutator(q, []string{"notes"})

	id, err := m.Create(context.Background(), "school-1", "notes", map[string]any{"body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "new-7", id)
	assert.Equal(t, `INSERT INTO "notes" ("school_id", "body") VALUES ($1, $2) RETURNING id::text`, q.sql)
	assert.Equal(t, []any{"school-1", "hello"}, q.args)
}

func TestPostgresMutator_QuotesHostileNames(t *testing.T) {
	q := &fakeQuerier{tag: "UPDATE 0"}
	m := NewPostgresMutator(q, nil)

	_, err := m.Update(context.Background(), "s", `tasks"; DROP TABLE x; --`, "1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Contains(t, q.sql, `UPDATE "tasks""; DROP TABLE x; --" SET`)
}

func TestPostgresMutator_Rejections(t *testing.T) {
	m := NewPostgresMutator(&fakeQuerier{}, []string{"tasks"})
	ctx := context.Background()

	cases := map[string]func() error{
		"table not allowed": func() error {
			_, err := m.Update(ctx, "s", "users", "1", map[string]any{"a": 1})
			return err
		},
		"tenant column": func() error {
			_, err := m.Create(ctx, "s", "tasks", map[string]any{"school_id": "other"})
			return err
		},
		"id column": func() error {
			_, err := m.Update(ctx, "s", "tasks", "1", map[string]any{"id": "2"})
			return err
		},
		"no fields": func() error {
			_, err := m.Create(ctx, "s", "tasks", nil)
			return err
		},
		"no record": func() error {
			_, err := m.Update(ctx, "s", "tasks", "", map[string]any{"a": 1})
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), rule.ErrSinkRejected)
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify("insert", &pgconn.PgError{Code: "23505", Message: "duplicate key"})
	assert.ErrorIs(t, err, rule.ErrSinkRejected)
	assert.Contains(t, err.Error(), "duplicate key")

	err = classify("insert", &pgconn.PgError{Code: "57014", Message: "canceling statement"})
	assert.NotErrorIs(t, err, rule.ErrSinkRejected)

	err = classify("insert", errors.New("conn closed"))
	assert.NotErrorIs(t, err, rule.ErrSinkRejected)
}

func TestPostgresMailQueue(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{id: "mail-1"}}
	mq := NewPostgresMailQueue(q)

	id, err := mq.Enqueue(context.Background(), email.Request{TemplateID: "welcome", Recipient: "a@b.c", TenantID: "s", RuleID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "mail-1", id)
	assert.Equal(t, []any{"s", "welcome", "a@b.c", "", "", "r"}, q.args)

	q.row = fakeRow{err: &pgconn.PgError{Code: "23514", Message: "check violation"}}
	_, err = mq.Enqueue(context.Background(), email.Request{})
	assert.ErrorIs(t, err, rule.ErrSinkRejected)
}

type fakeEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.task, f.opts = task, opts
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: "mail"}, nil
}

func TestAsynqMailQueue(t *testing.T) {
	c := &fakeEnqueuer{}
	mq := NewAsynqMailQueue(c, "mail")

	req := email.Request{TemplateID: "welcome", Recipient: "a@b.c", TenantID: "s"}
	id, err := mq.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, TaskTypeSendEmail, c.task.Type())

	var got email.Request
	require.NoError(t, json.Unmarshal(c.task.Payload(), &got))
	assert.Equal(t, req, got)
	assert.Len(t, c.opts, 2)

	c.err = errors.New("redis: connection refused")
	_, err = mq.Enqueue(context.Background(), req)
	assert.ErrorContains(t, err, "connection refused")
}

func TestMemorySinks(t *testing.T) {
	ctx := context.Background()
	mq := NewMemoryMailQueue()
	id, err := mq.Enqueue(ctx, email.Request{TemplateID: "t", TenantID: "s"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, mq.Sent(), 1)

	m := NewMemoryMutator()
	m.Put("s", "tasks", "t-1", map[string]any{"status": "open"})

	n, err := m.Update(ctx, "s", "tasks", "t-1", map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	row, _ := m.Row("s", "tasks", "t-1")
	assert.Equal(t, "done", row["status"])

	n, err = m.Update(ctx, "other", "tasks", "t-1", map[string]any{"status": "hijacked"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "other tenants cannot touch the row")

	newID, err := m.Create(ctx, "s", "notes", map[string]any{"body": "x"})
	require.NoError(t, err)
	_, ok := m.Row("s", "notes", newID)
	assert.True(t, ok)
}
