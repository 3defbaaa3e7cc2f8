package call

// State is the call engine's conversational state. Ended is terminal;
// Listening is re-entered from Speaking or Processing when a turn completes.
type State int

const (
	// StateIdle no resources held.
	StateIdle State = iota
	// StateConnecting acquiring the microphone and playing the welcome
	// utterance before the first listening phase.
	StateConnecting
	// StateListening capture pipe records, detector is active.
	StateListening
	// StateProcessing the frozen utterance is in flight to the service.
	StateProcessing
	// StateSpeaking the reply is being played back.
	StateSpeaking
	// StateEnded terminal; every resource has been released.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// validNext lists the legal transitions. Ended is reachable from everywhere
// and never left, so it is handled separately.
var validNext = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateListening},
	StateListening:  {StateProcessing},
	StateProcessing: {StateSpeaking, StateListening},
	StateSpeaking:   {StateListening},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	if from == StateEnded {
		return false
	}
	if to == StateEnded {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason records why a call reached Ended.
type EndReason string

const (
	// ReasonHangup the user ended the call.
	ReasonHangup EndReason = "hangup"
	// ReasonDurationLimit the hard duration cap fired.
	ReasonDurationLimit EndReason = "duration_limit"
	// ReasonDeviceError the microphone was denied or unavailable.
	ReasonDeviceError EndReason = "device_error"
	// ReasonTransportClosed the full-duplex stream closed underneath the call.
	ReasonTransportClosed EndReason = "transport_closed"
)
