package turn

type State string

const (
	Idle               State = "idle"
	AwaitingCorrection State = "awaiting_correction"
	Speaking           State = "speaking"
	// Interrupting is only held between flushing a barged-in synthesis and
	// returning to Idle.
	Interrupting State = "interrupting"
	Closed       State = "closed"
)

var validTransitions = map[State][]State{
	Idle: {
		AwaitingCorrection,
		Speaking,
		Closed,
	},
	AwaitingCorrection: {
		Speaking,
		Idle,
		Closed,
	},
	Speaking: {
		Idle,
		Interrupting,
		Closed,
	},
	Interrupting: {
		Idle,
		Closed,
	},
	Closed: {},
}

// canTransition reports whether from -> to is allowed. Staying in the same
// state is always allowed, e.g. a new final utterance superseding a pending
// correction.
func canTransition(from, to State) bool {
	if from == to {
		return from != Closed
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
