package event

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Operation is the kind of row change an event reports.
type Operation string

const (
	OpCreated   Operation = "created"
	OpUpdated   Operation = "updated"
	OpDeleted   Operation = "deleted"
	OpTimeBased Operation = "time_based"
)

// TriggerType maps the operation to the rule trigger type it activates.
func (o Operation) TriggerType() (rule.TriggerType, bool) {
	switch o {
	case OpCreated:
		return rule.TriggerRecordCreated, true
	case OpUpdated:
		return rule.TriggerRecordUpdated, true
	case OpDeleted:
		return rule.TriggerRecordDeleted, true
	case OpTimeBased:
		return rule.TriggerTimeBased, true
	}
	return "", false
}

// ChangeEvent is the canonical input model: one row change on a tenant table,
// or a synthetic tick from the scheduler.
type ChangeEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Table      string         `json:"table"`
	Operation  Operation      `json:"operation"`
	OldRow     map[string]any `json:"old_row,omitempty"`
	NewRow     map[string]any `json:"new_row,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	ReceivedAt time.Time      `json:"-"`
	// RuleID restricts a scheduler tick to a single rule.
	RuleID string `json:"rule_id,omitempty"`
}

// Validate checks the fields every event must carry.
func (e *ChangeEvent) Validate() error {
	if e.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if _, ok := e.Operation.TriggerType(); !ok {
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.Operation != OpTimeBased && e.Table == "" {
		return errors.New("table is required")
	}
	return nil
}

// Subject returns the row conditions are evaluated against: the old row for
// deletions, the new row otherwise (falling back to the old row).
func (e *ChangeEvent) Subject() map[string]any {
	if e.Operation == OpDeleted {
		if e.OldRow != nil {
			return e.OldRow
		}
		return e.NewRow
	}
	if e.NewRow != nil {
		return e.NewRow
	}
	return e.OldRow
}

// RecordID returns the "id" column of the affected row, if any.
func (e *ChangeEvent) RecordID() string {
	row := e.Subject()
	if row == nil {
		return ""
	}
	switch v := row["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
