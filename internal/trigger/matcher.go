// Package trigger decides which rules a change event activates.
package trigger

import (
	"fmt"
	"sort"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Failure is a rule that could not be matched against the event.
type Failure struct {
	Rule *rule.Rule
	Err  *rule.MatchingError
}

// Result holds the rules an event activates, in execution order, and the
// rules that failed during matching.
type Result struct {
	Candidates []*rule.Rule
	Failures   []Failure
}

// Match filters rules down to those ev activates. A rule is a candidate when
// it is active, belongs to the event's tenant, watches the event's table
// (ignored for time_based), has the trigger type matching the operation and
// its conditions hold for the event's subject row.
//
// A rule whose definition cannot be evaluated lands in Failures and never
// prevents other rules from matching. Candidates and failures are ordered by
// rule creation time.
func Match(ev *event.ChangeEvent, rules []*rule.Rule) Result {
	var res Result
	want, ok := ev.Operation.TriggerType()
	if !ok {
		return res
	}
	subject := ev.Subject()

	for _, r := range rules {
		if !applies(r, ev, want) {
			continue
		}
		matched, err := matchRule(r, subject)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Rule: r, Err: err})
			continue
		}
		if matched {
			res.Candidates = append(res.Candidates, r)
		}
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		return rule.Less(res.Candidates[i], res.Candidates[j])
	})
	sort.SliceStable(res.Failures, func(i, j int) bool {
		return rule.Less(res.Failures[i].Rule, res.Failures[j].Rule)
	})
	return res
}

// applies checks event metadata only; conditions are not consulted.
func applies(r *rule.Rule, ev *event.ChangeEvent, want rule.TriggerType) bool {
	if r == nil || !r.IsActive || r.TenantID != ev.TenantID {
		return false
	}
	if r.TriggerType != want {
		return false
	}
	if ev.RuleID != "" && ev.RuleID != r.ID {
		return false
	}
	if want != rule.TriggerTimeBased && r.TriggerTable != ev.Table {
		return false
	}
	return true
}

func matchRule(r *rule.Rule, subject map[string]any) (matched bool, merr *rule.MatchingError) {
	defer func() {
		if p := recover(); p != nil {
			matched = false
			merr = &rule.MatchingError{RuleID: r.ID, Err: fmt.Errorf("%w: panic during evaluation: %v", rule.ErrMalformedRule, p)}
		}
	}()

	if err := r.Validate(); err != nil {
		return false, &rule.MatchingError{RuleID: r.ID, Err: err}
	}
	if err := r.CheckSchema(); err != nil {
		return false, &rule.MatchingError{RuleID: r.ID, Err: err}
	}
	ok, err := condition.Evaluate(r.TriggerConditions, subject, r.FieldTypes)
	if err != nil {
		return false, &rule.MatchingError{RuleID: r.ID, Err: err}
	}
	return ok, nil
}
