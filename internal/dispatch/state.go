package dispatch

// State is a step's position in its lifecycle.
type State string

const (
	StateReceived         State = "received"
	StateValidated        State = "validated"
	StateInterconnectInit State = "interconnect_init"
	StatePrologRun        State = "prolog_run"
	StateLaunching        State = "launching"
	StateRunning          State = "running"
	StateEpilogRun        State = "epilog_run"
	StateInterconnectFini State = "interconnect_fini"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

var transitions = map[State][]State{
	StateReceived:         {StateValidated, StateFailed},
	StateValidated:        {StateInterconnectInit},
	StateInterconnectInit: {StatePrologRun, StateInterconnectFini},
	StatePrologRun:        {StateLaunching, StateEpilogRun},
	StateLaunching:        {StateRunning, StateEpilogRun},
	StateRunning:          {StateEpilogRun},
	StateEpilogRun:        {StateInterconnectFini},
	StateInterconnectFini: {StateCompleted, StateFailed},
}

// CanTransition reports whether a step may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
