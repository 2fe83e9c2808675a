package workflow

import "github.com/flowforge/corewf/workflow/store"

// legalTransitions is the single source of truth for run-state transitions,
// implementing exactly spec.md §4.5's table. store.UpdateRunState delegates
// here so the store — not individual callers — enforces the state machine,
// grounded on the teacher's EngineError validation style and on the
// kdlbs-kandev agent-lifecycle state+legal-edge table pattern.
var legalTransitions = map[RunStatus]map[RunStatus]bool{
	StatusDraft: {
		StatusPlanning: true,
	},
	StatusPlanning: {
		StatusExecuting: true,
	},
	StatusExecuting: {
		StatusPaused:          true,
		StatusWaitingApproval: true,
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusCancelled:       true,
	},
	StatusPaused: {
		StatusExecuting: true,
		StatusCancelled: true,
	},
	StatusWaitingApproval: {
		StatusExecuting: true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidTransition reports whether (from, to) is a legal run-state edge.
func ValidTransition(from, to RunStatus) bool {
	if from == to {
		return false
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ValidateTransition returns ErrIllegalTransition when the edge is not
// legal, nil otherwise.
func ValidateTransition(from, to RunStatus) error {
	if ValidTransition(from, to) {
		return nil
	}
	return NewWorkflowError(KindIllegalTransition, "ILLEGAL_TRANSITION",
		"illegal run transition from "+string(from)+" to "+string(to), nil)
}

// StoreTransitionValidator adapts ValidateTransition to the
// func(from, to store.RunStatus) error shape the store package requires for
// its injected validator, since store cannot import workflow. Pass this to
// NewMemStore/NewSQLiteStore/NewMySQLStore wherever a store instance backs a
// live Supervisor.
func StoreTransitionValidator(from, to store.RunStatus) error {
	return ValidateTransition(RunStatus(from), RunStatus(to))
}
