package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

func collectRules(rows pgx.Rows) ([]*rule.Rule, error) {
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (*rule.Rule, error) {
	var (
		r                          rule.Rule
		triggerType                string
		table, schedule            *string
		condJSON, actionJSON, ftJS []byte
		lastExecuted               *time.Time
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Description, &triggerType, &table,
		&condJSON, &actionJSON, &schedule, &ftJS, &r.IsActive,
		&lastExecuted, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning rule: %w", err)
	}
	r.TriggerType = rule.TriggerType(triggerType)
	if table != nil {
		r.TriggerTable = *table
	}
	if schedule != nil {
		r.Schedule = *schedule
	}
	if lastExecuted != nil {
		t := lastExecuted.UTC()
		r.LastExecuted = &t
	}

	// Undecodable JSON leaves the rule malformed rather than failing the
	// whole listing; the matcher then records a failed firing for it.
	if err := json.Unmarshal(condJSON, &r.TriggerConditions); err != nil {
		r.TriggerConditions = []rule.ConditionGroup{{Conditions: []rule.Condition{{Operator: "<undecodable>"}}}}
	}
	if err := json.Unmarshal(actionJSON, &r.Actions); err != nil {
		r.Actions = []rule.ActionSpec{{Type: "<undecodable>"}}
	}
	if len(ftJS) > 0 {
		if err := json.Unmarshal(ftJS, &r.FieldTypes); err != nil {
			r.FieldTypes = nil
		}
	}
	return &r, nil
}

func scanLog(row pgx.Row) (rule.ExecutionLog, error) {
	var (
		l                        rule.ExecutionLog
		trigger                  string
		table, recordID, errMsg  *string
		before, after, detailsJS []byte
	)
	err := row.Scan(
		&l.ID, &l.BusinessRuleID, &l.SchoolID, &trigger, &table, &recordID,
		&before, &after, &detailsJS, &l.Success, &errMsg, &l.ExecutionTimeMs, &l.ExecutedAt,
	)
	if err != nil {
		return l, fmt.Errorf("scanning execution log: %w", err)
	}
	l.TriggerEvent = rule.TriggerType(trigger)
	if table != nil {
		l.TargetTable = *table
	}
	if recordID != nil {
		l.TargetRecordID = *recordID
	}
	if errMsg != nil {
		l.ErrorMessage = *errMsg
	}
	if len(before) > 0 {
		if err := json.Unmarshal(before, &l.BeforeValues); err != nil {
			return l, fmt.Errorf("decoding before_values of log %s: %w", l.ID, err)
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &l.AfterValues); err != nil {
			return l, fmt.Errorf("decoding after_values of log %s: %w", l.ID, err)
		}
	}
	if err := json.Unmarshal(detailsJS, &l.ActionDetails); err != nil {
		return l, fmt.Errorf("decoding action_details of log %s: %w", l.ID, err)
	}
	return l, nil
}
