// Package email implements the send_email action.
package email

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Request is one email handed to the queueing service.
type Request struct {
	TemplateID  string `json:"template_id"`
	Recipient   string `json:"recipient"`
	SourceTable string `json:"source_table,omitempty"`
	RecordID    string `json:"record_id,omitempty"`
	TenantID    string `json:"tenant_id"`
	RuleID      string `json:"rule_id,omitempty"`
}

// Queue accepts emails for later delivery and returns a confirmation id.
// A rejected request (unknown template, bad recipient) returns an error
// wrapping rule.ErrSinkRejected.
type Queue interface {
	Enqueue(ctx context.Context, req Request) (string, error)
}

// Executor queues templated emails.
type Executor struct {
	queue Queue
}

// New returns a send_email executor backed by q.
func New(q Queue) *Executor {
	return &Executor{queue: q}
}

func (e *Executor) Type() rule.ActionType { return rule.ActionSendEmail }

func (e *Executor) Execute(ctx context.Context, params action.Params, actx *action.Context) (*action.Effect, error) {
	p, ok := params.(action.SendEmailParams)
	if !ok {
		return nil, fmt.Errorf("send_email: unexpected params %T", params)
	}
	id, err := e.queue.Enqueue(ctx, Request{
		TemplateID:  p.TemplateID,
		Recipient:   p.Recipient,
		SourceTable: actx.TargetTable,
		RecordID:    actx.TargetRecordID,
		TenantID:    actx.TenantID,
		RuleID:      actx.RuleID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue email: %w", err)
	}
	return &action.Effect{QueueID: id}, nil
}
