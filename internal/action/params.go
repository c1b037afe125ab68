package action

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Params is the typed parameter set of one action type. The concrete types
// are SendEmailParams, UpdateRecordParams, CreateRecordParams and
// LogEventParams.
type Params interface {
	ActionType() rule.ActionType
	// Describe returns the resolved parameters recorded in the execution log.
	Describe() map[string]any
}

// SendEmailParams queues a templated email to one recipient.
type SendEmailParams struct {
	TemplateID string
	Recipient  string
}

func (SendEmailParams) ActionType() rule.ActionType { return rule.ActionSendEmail }

func (p SendEmailParams) Describe() map[string]any {
	return map[string]any{"templateId": p.TemplateID, "recipient": p.Recipient}
}

// UpdateRecordParams updates fields of one existing row.
type UpdateRecordParams struct {
	Table    string
	RecordID string
	Fields   map[string]any
}

func (UpdateRecordParams) ActionType() rule.ActionType { return rule.ActionUpdateRecord }

func (p UpdateRecordParams) Describe() map[string]any {
	return map[string]any{"table": p.Table, "recordId": p.RecordID, "fields": p.Fields}
}

// CreateRecordParams inserts a new row.
type CreateRecordParams struct {
	Table  string
	Fields map[string]any
}

func (CreateRecordParams) ActionType() rule.ActionType { return rule.ActionCreateRecord }

func (p CreateRecordParams) Describe() map[string]any {
	return map[string]any{"table": p.Table, "fields": p.Fields}
}

// LogEventParams is recorded verbatim and has no external effect.
type LogEventParams struct {
	Values map[string]any
}

func (LogEventParams) ActionType() rule.ActionType { return rule.ActionLogEvent }

func (p LogEventParams) Describe() map[string]any { return p.Values }

// DecodeParams converts a free-form action spec into its typed variant,
// applying defaults from actx and expanding {{field}} placeholders.
// Errors wrap rule.ErrInvalidParameters.
func DecodeParams(spec rule.ActionSpec, actx *Context) (Params, error) {
	if actx == nil {
		actx = &Context{}
	}
	raw := spec.Parameters
	switch spec.Type {
	case rule.ActionSendEmail:
		return decodeSendEmail(raw, actx)
	case rule.ActionUpdateRecord:
		return decodeUpdateRecord(raw, actx)
	case rule.ActionCreateRecord:
		return decodeCreateRecord(raw, actx)
	case rule.ActionLogEvent:
		values := make(map[string]any, len(raw))
		for k, v := range raw {
			values[k] = v
		}
		return LogEventParams{Values: values}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", rule.ErrInvalidParameters, spec.Type)
	}
}

func decodeSendEmail(raw map[string]any, actx *Context) (Params, error) {
	p := SendEmailParams{
		TemplateID: stringParam(raw, actx, "templateId", "template_id", "template"),
		Recipient:  stringParam(raw, actx, "recipient", "to", "email"),
	}
	if p.TemplateID == "" {
		return nil, fmt.Errorf("%w: send_email requires templateId", rule.ErrInvalidParameters)
	}
	if p.Recipient == "" {
		if field := stringParam(raw, nil, "recipientField", "recipient_field"); field != "" {
			if v, ok := actx.lookup(field); ok && v != nil {
				p.Recipient = strings.TrimSpace(fmt.Sprint(v))
			}
		}
	}
	if p.Recipient == "" {
		return nil, fmt.Errorf("%w: send_email has no resolvable recipient", rule.ErrInvalidParameters)
	}
	addr, err := mail.ParseAddress(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient %q: %v", rule.ErrInvalidParameters, p.Recipient, err)
	}
	p.Recipient = addr.Address
	return p, nil
}

func decodeUpdateRecord(raw map[string]any, actx *Context) (Params, error) {
	p := UpdateRecordParams{
		Table:    stringParam(raw, actx, "table", "targetTable", "target_table"),
		RecordID: stringParam(raw, actx, "recordId", "record_id"),
	}
	if p.Table == "" {
		p.Table = actx.TargetTable
	}
	if p.RecordID == "" && p.Table == actx.TargetTable {
		p.RecordID = actx.TargetRecordID
	}
	if p.Table == "" {
		return nil, fmt.Errorf("%w: update_record requires table", rule.ErrInvalidParameters)
	}
	if p.RecordID == "" {
		return nil, fmt.Errorf("%w: update_record requires recordId", rule.ErrInvalidParameters)
	}
	fields, err := fieldsParam(raw, actx, "update_record")
	if err != nil {
		return nil, err
	}
	p.Fields = fields
	return p, nil
}

func decodeCreateRecord(raw map[string]any, actx *Context) (Params, error) {
	p := CreateRecordParams{Table: stringParam(raw, actx, "table", "targetTable", "target_table")}
	if p.Table == "" {
		return nil, fmt.Errorf("%w: create_record requires table", rule.ErrInvalidParameters)
	}
	fields, err := fieldsParam(raw, actx, "create_record")
	if err != nil {
		return nil, err
	}
	p.Fields = fields
	return p, nil
}

// stringParam returns the first non-empty value among keys. When actx is
// non-nil placeholders are expanded.
func stringParam(raw map[string]any, actx *Context, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if actx != nil {
			v = actx.expand(v)
		}
		if v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}

func fieldsParam(raw map[string]any, actx *Context, action string) (map[string]any, error) {
	v, ok := raw["fields"]
	if !ok {
		v, ok = raw["values"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s requires fields", rule.ErrInvalidParameters, action)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s fields must be an object, got %T", rule.ErrInvalidParameters, action, v)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s fields must not be empty", rule.ErrInvalidParameters, action)
	}
	return actx.expand(m).(map[string]any), nil
}
