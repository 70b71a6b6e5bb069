package engine

// ConnectionState is the lifecycle state of a remote device. Exactly one
// state holds at any instant; transitions inside the device's serialization
// domain are the only mutator.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateReady
	StateDisconnecting
	StateDisconnected
	StateAwaitingRetry
	StateFailed
)

var stateNames = map[ConnectionState]string{
	StateIdle:                "idle",
	StateConnecting:          "connecting",
	StateConnected:           "connected",
	StateDiscoveringServices: "discovering_services",
	StateReady:               "ready",
	StateDisconnecting:       "disconnecting",
	StateDisconnected:        "disconnected",
	StateAwaitingRetry:       "awaiting_retry",
	StateFailed:              "failed",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// connectable reports whether requestConnect is legal from this state.
func (s ConnectionState) connectable() bool {
	switch s {
	case StateIdle, StateDisconnected, StateFailed:
		return true
	default:
		return false
	}
}
