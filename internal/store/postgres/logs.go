package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
)

// Append inserts an execution log and returns its id.
func (s *Store) Append(ctx context.Context, log *rule.ExecutionLog) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	id := log.ID
	if id == "" {
		id = rule.NewLogID()
	}
	executedAt := log.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	details := log.ActionDetails
	if details == nil {
		details = []rule.ActionOutcome{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshaling action details: %w", err)
	}
	before, err := marshalRow(log.BeforeValues)
	if err != nil {
		return "", fmt.Errorf("marshaling before_values: %w", err)
	}
	after, err := marshalRow(log.AfterValues)
	if err != nil {
		return "", fmt.Errorf("marshaling after_values: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO business_rule_logs (id, business_rule_id, school_id, trigger_event,
			target_table, target_record_id, before_values, after_values, action_details,
			success, error_message, execution_time_ms, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, log.BusinessRuleID, log.SchoolID, string(log.TriggerEvent),
		nullable(log.TargetTable), nullable(log.TargetRecordID), before, after, detailsJSON,
		log.Success, nullable(log.ErrorMessage), log.ExecutionTimeMs, executedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting execution log: %w", err)
	}
	return id, nil
}

func marshalRow(row map[string]any) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}

// buildLogFilter builds the WHERE clause and args for a tenant's log query.
func buildLogFilter(tenantID string, q store.LogQuery) (where string, args []any, nextArg int) {
	conditions := []string{"school_id = $1"}
	args = []any{tenantID}
	argIdx := 2

	if q.RuleID != "" {
		conditions = append(conditions, "business_rule_id = $"+strconv.Itoa(argIdx))
		args = append(args, q.RuleID)
		argIdx++
	}
	if q.Success != nil {
		conditions = append(conditions, "success = $"+strconv.Itoa(argIdx))
		args = append(args, *q.Success)
		argIdx++
	}
	if q.Since != nil {
		conditions = append(conditions, "executed_at >= $"+strconv.Itoa(argIdx))
		args = append(args, q.Since.UTC())
		argIdx++
	}

	return "WHERE " + strings.Join(conditions, " AND "), args, argIdx
}

// ListExecutions returns the tenant's logs newest first and whether more
// rows follow the page.
func (s *Store) ListExecutions(ctx context.Context, tenantID string, q store.LogQuery) ([]rule.ExecutionLog, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where, args, argIdx := buildLogFilter(tenantID, q)
	limit := q.NormalizedLimit()
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, business_rule_id, school_id, trigger_event, target_table, target_record_id,
			before_values, after_values, action_details, success, error_message,
			execution_time_ms, executed_at
		FROM business_rule_logs %s
		ORDER BY executed_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1,
	)
	args = append(args, limit+1, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("querying execution logs: %w", err)
	}
	defer rows.Close()

	var logs []rule.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, false, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating execution logs: %w", err)
	}

	hasMore := len(logs) > limit
	if hasMore {
		logs = logs[:limit]
	}
	return logs, hasMore, nil
}
