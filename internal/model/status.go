package model

import "fmt"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the connection lifecycle position. Reason is only set for StateFailed.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func Idle() Status         { return Status{State: StateIdle} }
func Connecting() Status   { return Status{State: StateConnecting} }
func Connected() Status    { return Status{State: StateConnected} }
func Disconnected() Status { return Status{State: StateDisconnected} }

func Failed(reason string) Status {
	return Status{State: StateFailed, Reason: reason}
}

func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Busy reports whether a connection attempt is in flight or established.
func (s Status) Busy() bool {
	return s.State == StateConnecting || s.State == StateConnected
}

func (s Status) String() string {
	if s.State == StateFailed {
		return "failed(" + s.Reason + ")"
	}
	return s.State.String()
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}
