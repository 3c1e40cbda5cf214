package trade

// State is an offer's position in its lifecycle. Transitions happen only
// through Engine.transition.
type State int

const (
	StateBuilding State = iota
	StateSent
	StateNeedsConfirmation
	StateConfirmed
	StateAccepted
	StateDeclined
	StateCanceled
	StateExpired
	StateInvalid
	StateFailed
)

var stateNames = map[State]string{
	StateBuilding:          "Building",
	StateSent:              "Sent",
	StateNeedsConfirmation: "NeedsConfirmation",
	StateConfirmed:         "Confirmed",
	StateAccepted:          "Accepted",
	StateDeclined:          "Declined",
	StateCanceled:          "Canceled",
	StateExpired:           "Expired",
	StateInvalid:           "Invalid",
	StateFailed:            "Failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Terminal reports whether no further automatic action applies.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateDeclined, StateCanceled, StateExpired, StateInvalid, StateFailed:
		return true
	}
	return false
}

// allowed lists the legal transitions. Failed is reachable from any
// non-terminal state and handled separately.
var allowed = map[State][]State{
	StateBuilding:          {StateSent, StateCanceled},
	StateSent:              {StateNeedsConfirmation, StateConfirmed, StateAccepted, StateExpired},
	StateNeedsConfirmation: {StateConfirmed, StateDeclined, StateExpired, StateInvalid},
	StateConfirmed:         {StateAccepted, StateInvalid},
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Remote trade offer states as reported by IEconService
// (ETradeOfferState values).
const (
	remoteStateInvalid            = 1
	remoteStateActive             = 2
	remoteStateAccepted           = 3
	remoteStateCountered          = 4
	remoteStateExpired            = 5
	remoteStateCanceled           = 6
	remoteStateDeclined           = 7
	remoteStateInvalidItems       = 8
	remoteStateNeedsConfirmation  = 9
	remoteStateCanceledByTwoFactr = 10
	remoteStateInEscrow           = 11
)
