package supervisor

type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateChallengePending State = "challenge_pending"
	StateConnected        State = "connected"
	StateFailed           State = "failed"
)

// States lists every lifecycle state
var States = []State{StateDisconnected, StateConnecting, StateChallengePending, StateConnected, StateFailed}

// failed only leaves through an explicit reconnect, which re-enters connecting
var transitions = map[State][]State{
	StateDisconnected:     {StateConnecting},
	StateConnecting:       {StateChallengePending, StateConnected, StateFailed, StateDisconnected},
	StateChallengePending: {StateChallengePending, StateConnected, StateFailed, StateDisconnected},
	StateConnected:        {StateDisconnected, StateFailed},
	StateFailed:           {StateConnecting},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type eventKind int

const (
	eventChallenge eventKind = iota
	eventReady
	eventAuthFailure
	eventMessage
	eventDisconnected
)

func (k eventKind) String() string {
	switch k {
	case eventChallenge:
		return "challenge"
	case eventReady:
		return "ready"
	case eventAuthFailure:
		return "auth_failure"
	case eventMessage:
		return "message"
	case eventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// event is one client signal queued for a platform's consumer loop.
// generation ties it to the connect attempt that produced it.
type event struct {
	kind       eventKind
	challenge  string
	reason     string
	payload    interface{}
	generation uint64
}
