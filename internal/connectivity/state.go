package connectivity

import "fmt"

type State uint8

const (
	StateIdle State = iota
	StateWaitConfig
	StateConnectingNet
	StateConnectingCloud
	StateRunning
	StateResetConfig
	StateError

	// StateInit is only observed as current/previous before Begin.
	StateInit
)

var stateNames = [...]string{
	StateIdle:            "IDLE",
	StateWaitConfig:      "WAIT CONFIG",
	StateConnectingNet:   "CONNECTING NET",
	StateConnectingCloud: "CONNECTING CLOUD",
	StateRunning:         "RUNNING",
	StateResetConfig:     "RESET CONFIG",
	StateError:           "ERROR",
	StateInit:            "INIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports if s is one of machine states, StateInit excluded.
func (s State) Valid() bool { return s < StateInit }
