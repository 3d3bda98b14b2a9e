package sidecar

// State describes the lifecycle of a sidecar session.
//
// Transitions: Starting -> Handshaking on successful spawn; Handshaking ->
// Ready on successful capability negotiation; Ready -> ShuttingDown only via
// Shutdown; any state -> Terminated when the process dies or a step fails.
// Terminated is terminal.
type State int32

const (
	// StateStarting is the initial state before the process is spawned.
	StateStarting State = iota
	// StateHandshaking means the process is up and capability negotiation is in flight.
	StateHandshaking
	// StateReady means the session accepts requests.
	StateReady
	// StateShuttingDown means an explicit shutdown is in progress.
	StateShuttingDown
	// StateTerminated means the process has exited or been killed.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
