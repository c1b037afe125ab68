package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action/email"
)

// TaskTypeSendEmail is the asynq task type consumed by the mail workers.
const TaskTypeSendEmail = "email:send"

// PostgresMailQueue writes emails to the email_queue table for a separate
// sender to pick up.
type PostgresMailQueue struct {
	db Querier
}

// NewPostgresMailQueue creates a PostgresMailQueue.
func NewPostgresMailQueue(db Querier) *PostgresMailQueue {
	return &PostgresMailQueue{db: db}
}

// Enqueue inserts one pending email and returns its row id.
func (q *PostgresMailQueue) Enqueue(ctx context.Context, req email.Request) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, `
		INSERT INTO email_queue (school_id, template_id, recipient, source_table, record_id, rule_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text`,
		req.TenantID, req.TemplateID, req.Recipient, req.SourceTable, req.RecordID, req.RuleID,
	).Scan(&id)
	if err != nil {
		return "", classify("enqueue email", err)
	}
	return id, nil
}

// TaskEnqueuer is the subset of *asynq.Client the asynq queue uses.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqMailQueue hands emails to Redis-backed asynq workers.
type AsynqMailQueue struct {
	client   TaskEnqueuer
	queue    string
	maxRetry int
}

// NewAsynqMailQueue creates an AsynqMailQueue publishing to queue.
func NewAsynqMailQueue(client TaskEnqueuer, queue string) *AsynqMailQueue {
	return &AsynqMailQueue{client: client, queue: queue, maxRetry: 5}
}

// Enqueue publishes one email task and returns the asynq task id.
func (q *AsynqMailQueue) Enqueue(ctx context.Context, req email.Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal email task: %w", err)
	}
	task := asynq.NewTask(TaskTypeSendEmail, payload)
	info, err := q.client.EnqueueContext(ctx, task, asynq.Queue(q.queue), asynq.MaxRetry(q.maxRetry))
	if err != nil {
		return "", fmt.Errorf("enqueue email task: %w", err)
	}
	return info.ID, nil
}

// MemoryMailQueue keeps emails in process. It backs the "none" email
// backend so send_email actions still record a queue id.
type MemoryMailQueue struct {
	mu   sync.Mutex
	sent []email.Request
}

// NewMemoryMailQueue creates an empty MemoryMailQueue.
func NewMemoryMailQueue() *MemoryMailQueue {
	return &MemoryMailQueue{}
}

func (q *MemoryMailQueue) Enqueue(ctx context.Context, req email.Request) (string, error) {
	q.mu.Lock()
	q.sent = append(q.sent, req)
	q.mu.Unlock()
	id := uuid.NewString()
	slog.InfoContext(ctx, "email queued in memory",
		"queue_id", id, "tenant", req.TenantID, "template", req.TemplateID, "rule_id", req.RuleID)
	return id, nil
}

// Sent returns the emails queued so far.
func (q *MemoryMailQueue) Sent() []email.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]email.Request(nil), q.sent...)
}

var (
	_ email.Queue = (*PostgresMailQueue)(nil)
	_ email.Queue = (*AsynqMailQueue)(nil)
	_ email.Queue = (*MemoryMailQueue)(nil)
)
