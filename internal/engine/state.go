package engine

// FiringState is a step in the lifecycle of one rule firing.
//
//	EVENT_RECEIVED → RULES_MATCHED → CONDITIONS_EVALUATED → ACTIONS_DISPATCHED → COMPLETED | FAILED
type FiringState string

const (
	StateEventReceived       FiringState = "EVENT_RECEIVED"
	StateRulesMatched        FiringState = "RULES_MATCHED"
	StateConditionsEvaluated FiringState = "CONDITIONS_EVALUATED"
	StateActionsDispatched   FiringState = "ACTIONS_DISPATCHED"
	StateCompleted           FiringState = "COMPLETED"
	StateFailed              FiringState = "FAILED"
)

// Terminal reports whether s ends a firing.
func (s FiringState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
