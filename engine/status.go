package engine

// Status is the lifecycle state of a node.
type Status int

const (
	StatusError Status = iota
	StatusUninitialized
	StatusRunning
	StatusStopped
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusUninitialized:
		return "uninitialized"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Transition is an allowed status change and the call that causes it.
type Transition struct {
	From  Status
	To    Status
	Event string
}

var transitions = []Transition{
	{StatusUninitialized, StatusRunning, "Start"},
	{StatusUninitialized, StatusError, "Start failed"},
	{StatusRunning, StatusStopped, "Stop"},
	{StatusStopped, StatusRunning, "Run"},
	{StatusRunning, StatusShutdown, "Shutdown"},
	{StatusStopped, StatusShutdown, "Shutdown"},
	{StatusUninitialized, StatusShutdown, "Shutdown"},
	{StatusError, StatusShutdown, "Shutdown"},
}

// Transitions lists every allowed status change.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// CanTransition reports whether from may change to to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
