package threadmgr

// State is C4's lifecycle state machine (spec §4.4):
//
//	NotStarted --start()--> Starting --ready--> Running --stop()--> Stopping --exit--> Stopped
//	                            |                   |                      |
//	                            +---spawn error---> Errored <--runtime error+
type State string

const (
	NotStarted State = "not_started"
	Starting   State = "starting"
	Running    State = "running"
	Stopping   State = "stopping"
	Stopped    State = "stopped"
	Errored    State = "errored"
)

// transitions enumerates every edge the state machine allows; Manager
// rejects any move not listed here.
var transitions = map[State][]State{
	NotStarted: {Starting},
	Starting:   {Running, Errored},
	Running:    {Stopping, Errored},
	Stopping:   {Stopped, Errored},
	Stopped:    {Starting},
	Errored:    {Starting},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminalForSend reports whether a worker in this state must reject
// send() with NotRunning (spec §4.4: "rejects with NotRunning if state !=
// Running").
func (s State) IsTerminalForSend() bool {
	return s != Running
}
