package rule

import (
	"time"

	"github.com/google/uuid"
)

// ActionOutcome is the structured record of one dispatched action.
type ActionOutcome struct {
	Index        int            `json:"index"`
	Type         ActionType     `json:"type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	QueueID      string         `json:"queue_id,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
	AffectedRows *int64         `json:"affected_rows,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// ExecutionLog is the immutable audit record of one rule firing.
type ExecutionLog struct {
	ID              string          `json:"id"`
	BusinessRuleID  string          `json:"business_rule_id"`
	SchoolID        string          `json:"school_id"`
	TriggerEvent    TriggerType     `json:"trigger_event"`
	TargetTable     string          `json:"target_table,omitempty"`
	TargetRecordID  string          `json:"target_record_id,omitempty"`
	BeforeValues    map[string]any  `json:"before_values,omitempty"`
	AfterValues     map[string]any  `json:"after_values,omitempty"`
	ActionDetails   []ActionOutcome `json:"action_details"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// NewLogID returns a time-ordered identifier for an execution log row.
func NewLogID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clone returns a copy of l that shares no maps or slices with it.
func (l *ExecutionLog) Clone() ExecutionLog {
	c := *l
	c.BeforeValues = cloneMap(l.BeforeValues)
	c.AfterValues = cloneMap(l.AfterValues)
	if l.ActionDetails != nil {
		c.ActionDetails = make([]ActionOutcome, len(l.ActionDetails))
		for i, o := range l.ActionDetails {
			o.Parameters = cloneMap(o.Parameters)
			if o.AffectedRows != nil {
				n := *o.AffectedRows
				o.AffectedRows = &n
			}
			c.ActionDetails[i] = o
		}
	}
	return c
}
