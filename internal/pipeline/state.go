package pipeline

// StageState is the lifecycle of one stage within a run. FAILED_CLOSED is
// terminal for the run but still yields a schema-valid review outcome;
// DEAD_LETTERED marks transport-level surrender after bounded retries.
type StageState string

const (
	StatePending      StageState = "PENDING"
	StateRunning      StageState = "RUNNING"
	StateDone         StageState = "DONE"
	StateFailedClosed StageState = "FAILED_CLOSED"
	StateDeadLettered StageState = "DEAD_LETTERED"
)

var validTransitions = map[StageState][]StageState{
	StatePending: {StateRunning},
	StateRunning: {StateDone, StateFailedClosed, StateDeadLettered},
}

// CanTransition reports whether from→to is a legal stage transition.
func CanTransition(from, to StageState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
