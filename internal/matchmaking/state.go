package matchmaking

// State is the coordinator's position in the matchmaking state machine.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateCreating
	StateWaitingForPeer
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateCreating:
		return "creating"
	case StateWaitingForPeer:
		return "waiting_for_peer"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// inFlight reports whether an attempt is running in this state.
func (s State) inFlight() bool {
	return s == StateSearching || s == StateCreating || s == StateWaitingForPeer
}

// Status texts published with StateChanged events.
const (
	TextSearching      = "Searching for a match..."
	TextCreating       = "Creating a match..."
	TextWaitingForPeer = "Waiting for players..."
	TextMatchFound     = "Match found!"
	TextFailedPrefix   = "Matchmaking failed: "
)
