package chat

// State is the connection lifecycle state. Transitions are validated so
// rules like "persist only from Finalizing" stay checkable.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateAwaitingUpstream
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the lifecycle
// Connecting → Active → (AwaitingUpstream → Streaming → Finalizing) → Active.
// Closed is reachable from every state (transport closure, unrecoverable
// failure, malformed input).
var validTransitions = map[State][]State{
	StateConnecting:       {StateActive, StateClosed},
	StateActive:           {StateAwaitingUpstream, StateClosed},
	StateAwaitingUpstream: {StateStreaming, StateActive, StateClosed},
	StateStreaming:        {StateFinalizing, StateAwaitingUpstream, StateActive, StateClosed},
	StateFinalizing:       {StateActive, StateClosed},
	StateClosed:           {},
}

// canTransition reports whether moving from one state to another is part
// of the lifecycle.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
