// Package record implements the update_record and create_record actions.
package record

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Mutator applies row changes on behalf of a tenant. Every call is scoped
// to tenantID; implementations must never touch another tenant's rows.
type Mutator interface {
	Update(ctx context.Context, tenantID, table, recordID string, fields map[string]any) (int64, error)
	Create(ctx context.Context, tenantID, table string, fields map[string]any) (string, error)
}

// Updater runs update_record.
type Updater struct {
	m Mutator
}

// NewUpdater returns an update_record executor.
func NewUpdater(m Mutator) *Updater { return &Updater{m: m} }

func (u *Updater) Type() rule.ActionType { return rule.ActionUpdateRecord }

func (u *Updater) Execute(ctx context.Context, params action.Params, actx *action.Context) (*action.Effect, error) {
	p, ok := params.(action.UpdateRecordParams)
	if !ok {
		return nil, fmt.Errorf("update_record: unexpected params %T", params)
	}
	n, err := u.m.Update(ctx, actx.TenantID, p.Table, p.RecordID, p.Fields)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", p.Table, p.RecordID, err)
	}
	return &action.Effect{RecordID: p.RecordID, AffectedRows: &n}, nil
}

// Creator runs create_record.
type Creator struct {
	m Mutator
}

// NewCreator returns a create_record executor.
func NewCreator(m Mutator) *Creator { return &Creator{m: m} }

func (c *Creator) Type() rule.ActionType { return rule.ActionCreateRecord }

func (c *Creator) Execute(ctx context.Context, params action.Params, actx *action.Context) (*action.Effect, error) {
	p, ok := params.(action.CreateRecordParams)
	if !ok {
		return nil, fmt.Errorf("create_record: unexpected params %T", params)
	}
	id, err := c.m.Create(ctx, actx.TenantID, p.Table, p.Fields)
	if err != nil {
		return nil, fmt.Errorf("create in %s: %w", p.Table, err)
	}
	return &action.Effect{RecordID: id}, nil
}
