package rule

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType is the event category a rule watches.
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordUpdated TriggerType = "record_updated"
	TriggerRecordDeleted TriggerType = "record_deleted"
	TriggerTimeBased     TriggerType = "time_based"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted, TriggerTimeBased:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
)

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// Unary reports whether o ignores the condition value.
func (o Operator) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// Condition is a single field comparison.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionGroup is an AND-combined set of conditions. Groups combine with OR.
type ConditionGroup struct {
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ActionType names one kind of effect a rule performs.
type ActionType string

const (
	ActionSendEmail    ActionType = "send_email"
	ActionUpdateRecord ActionType = "update_record"
	ActionCreateRecord ActionType = "create_record"
	ActionLogEvent     ActionType = "log_event"
)

// ActionSpec is one entry of a rule's ordered action list. Parameters are
// decoded into a typed variant at dispatch time.
type ActionSpec struct {
	Type       ActionType     `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// FieldType is the declared type of a target-table column.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
)

// FieldTypes maps field names to their declared type.
type FieldTypes map[string]FieldType

// Rule is a stored trigger + conditions + actions automation definition.
type Rule struct {
	ID                string           `json:"id" yaml:"id"`
	TenantID          string           `json:"tenant_id" yaml:"tenant_id"`
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType       TriggerType      `json:"trigger_type" yaml:"trigger_type"`
	TriggerTable      string           `json:"trigger_table,omitempty" yaml:"trigger_table,omitempty"`
	TriggerConditions []ConditionGroup `json:"trigger_conditions" yaml:"trigger_conditions"`
	Actions           []ActionSpec     `json:"actions" yaml:"actions"`
	Schedule          string           `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	FieldTypes        FieldTypes       `json:"field_types,omitempty" yaml:"field_types,omitempty"`
	IsActive          bool             `json:"is_active" yaml:"is_active"`
	LastExecuted      *time.Time       `json:"last_executed,omitempty" yaml:"-"`
	CreatedAt         time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" yaml:"-"`
}

// Validate checks the structure of the rule. All problems are reported at
// once, wrapped in ErrMalformedRule.
func (r *Rule) Validate() error {
	var errs []string
	if r.ID == "" {
		errs = append(errs, "id is required")
	}
	if r.TenantID == "" {
		errs = append(errs, "tenant_id is required")
	}
	if !r.TriggerType.Valid() {
		errs = append(errs, fmt.Sprintf("unknown trigger_type %q", r.TriggerType))
	}
	if r.TriggerType != TriggerTimeBased && r.TriggerType.Valid() && r.TriggerTable == "" {
		errs = append(errs, fmt.Sprintf("trigger_table is required for %s", r.TriggerType))
	}
	for gi, g := range r.TriggerConditions {
		for ci, c := range g.Conditions {
			loc := fmt.Sprintf("trigger_conditions[%d].conditions[%d]", gi, ci)
			if strings.TrimSpace(c.Field) == "" {
				errs = append(errs, loc+": field is required")
			}
			if !c.Operator.Valid() {
				errs = append(errs, fmt.Sprintf("%s: unknown operator %q", loc, c.Operator))
			}
		}
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionSendEmail, ActionUpdateRecord, ActionCreateRecord, ActionLogEvent:
		default:
			errs = append(errs, fmt.Sprintf("actions[%d]: unknown type %q", i, a.Type))
		}
	}
	for name, ft := range r.FieldTypes {
		switch ft {
		case FieldText, FieldNumber, FieldDate, FieldBoolean:
		default:
			errs = append(errs, fmt.Sprintf("field_types[%s]: unknown type %q", name, ft))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: rule %s: %s", ErrMalformedRule, r.ID, strings.Join(errs, "; "))
	}
	return nil
}

// ConditionFields returns every field referenced by the rule's conditions,
// in declaration order without duplicates.
func (r *Rule) ConditionFields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range r.TriggerConditions {
		for _, c := range g.Conditions {
			if !seen[c.Field] {
				seen[c.Field] = true
				out = append(out, c.Field)
			}
		}
	}
	return out
}

// CheckSchema reports ErrSchemaDrift when the rule declares field types and a
// condition references a field outside that declaration.
func (r *Rule) CheckSchema() error {
	if len(r.FieldTypes) == 0 {
		return nil
	}
	var missing []string
	for _, f := range r.ConditionFields() {
		root, _, _ := strings.Cut(f, ".")
		if _, ok := r.FieldTypes[f]; ok {
			continue
		}
		if _, ok := r.FieldTypes[root]; ok {
			continue
		}
		missing = append(missing, f)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %q has no field %s", ErrSchemaDrift, r.TriggerTable, strings.Join(missing, ", "))
	}
	return nil
}

// Less orders rules by creation time, then id.
func Less(a, b *Rule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Clone returns a copy of r whose slices and maps can be mutated freely.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.TriggerConditions != nil {
		c.TriggerConditions = make([]ConditionGroup, len(r.TriggerConditions))
		for i, g := range r.TriggerConditions {
			c.TriggerConditions[i] = ConditionGroup{Conditions: append([]Condition(nil), g.Conditions...)}
		}
	}
	if r.Actions != nil {
		c.Actions = make([]ActionSpec, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = ActionSpec{Type: a.Type, Parameters: cloneMap(a.Parameters)}
		}
	}
	if r.FieldTypes != nil {
		c.FieldTypes = make(FieldTypes, len(r.FieldTypes))
		for k, v := range r.FieldTypes {
			c.FieldTypes[k] = v
		}
	}
	if r.LastExecuted != nil {
		t := *r.LastExecuted
		c.LastExecuted = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the nested maps and slices decoded JSON can hold.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
