package orchestrator

// State is a step of a backfill run.
type State int

const (
	StateStarting State = iota
	StateCheckingWork
	StateProcessingRound
	StateRefreshing
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateCheckingWork:
		return "checking-work"
	case StateProcessingRound:
		return "processing-round"
	case StateRefreshing:
		return "refreshing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// Transition is one state change observed during Run.
type Transition struct {
	From  State
	To    State
	Round int
}
