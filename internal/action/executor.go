package action

import (
	"context"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Context carries the firing a dispatched action belongs to.
type Context struct {
	TenantID       string
	RuleID         string
	TriggerEvent   rule.TriggerType
	TargetTable    string
	TargetRecordID string
	BeforeValues   map[string]any
	AfterValues    map[string]any
}

// Effect references what an action produced in its sink.
type Effect struct {
	QueueID      string
	RecordID     string
	AffectedRows *int64
}

// Executor is the interface all action implementations must satisfy.
type Executor interface {
	// Type returns the action type this executor is registered under.
	Type() rule.ActionType
	// Execute performs the action. params is the variant DecodeParams
	// produced for Type().
	Execute(ctx context.Context, params Params, actx *Context) (*Effect, error)
}
