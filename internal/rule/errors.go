package rule

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRule is returned when a rule's trigger, conditions or
	// actions cannot be interpreted.
	ErrMalformedRule = errors.New("malformed rule")

	// ErrSchemaDrift is returned when a rule references a field the target
	// table no longer declares.
	ErrSchemaDrift = errors.New("schema drift")

	// ErrUnknownOperator is returned by the evaluator for an unsupported operator.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrInvalidParameters is returned when an action's parameters do not
	// satisfy its type.
	ErrInvalidParameters = errors.New("invalid action parameters")

	// ErrActionTimeout is returned when an action exceeds its time budget.
	ErrActionTimeout = errors.New("action timed out")

	// ErrSinkRejected is returned when an external sink refuses a request.
	ErrSinkRejected = errors.New("sink rejected request")

	// ErrNotFound is returned when a rule or record does not exist.
	ErrNotFound = errors.New("not found")
)

// MatchingError isolates a failure while matching or evaluating one rule.
type MatchingError struct {
	RuleID string
	Err    error
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("matching rule %s: %v", e.RuleID, e.Err)
}

func (e *MatchingError) Unwrap() error { return e.Err }

// ActionError records the failing action of a firing.
type ActionError struct {
	Index int
	Type  ActionType
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StoreError marks an unavailable rule or log store. Callers are expected to
// retry the whole event.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
