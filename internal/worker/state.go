package worker

// State is the phase of the worker loop.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateReporting
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StatePolling:   "polling",
	StateExecuting: "executing",
	StateReporting: "reporting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
