// Package logevent implements the log_event action, whose only effect is
// the entry it leaves in the execution log.
package logevent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

type Executor struct{}

func New() *Executor { return &Executor{} }

func (*Executor) Type() rule.ActionType { return rule.ActionLogEvent }

func (*Executor) Execute(ctx context.Context, params action.Params, actx *action.Context) (*action.Effect, error) {
	p, ok := params.(action.LogEventParams)
	if !ok {
		return nil, fmt.Errorf("log_event: unexpected params %T", params)
	}
	slog.DebugContext(ctx, "rule log_event",
		"tenant", actx.TenantID,
		"rule_id", actx.RuleID,
		"table", actx.TargetTable,
		"record_id", actx.TargetRecordID,
		"values", p.Values,
	)
	return &action.Effect{}, nil
}
