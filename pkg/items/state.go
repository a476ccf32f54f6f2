package items

import "encoding/json"

// State is the consensus state of an item as tracked by the ledger.
//
// Allowed transitions:
//
//	UNDEFINED --> PENDING_POSITIVE | PENDING_NEGATIVE | LOCKED_FOR_CREATION | DISCARDED
//	PENDING_POSITIVE --> APPROVED | DECLINED | PENDING_NEGATIVE
//	PENDING_NEGATIVE --> DECLINED | APPROVED | PENDING_POSITIVE
//	LOCKED_FOR_CREATION --> APPROVED | UNDEFINED (creating item declined)
//	APPROVED --> LOCKED
//	LOCKED --> APPROVED (revoking item declined) | REVOKED
//
// APPROVED, DECLINED, REVOKED and DISCARDED are terminal except for the
// APPROVED<->LOCKED pair, which marks a provisionally superseded item.
type State int

const (
	StateUndefined State = iota
	StatePendingPositive
	StatePendingNegative
	StateApproved
	StateDeclined
	StateLocked
	StateLockedForCreation
	StateRevoked
	StateDiscarded
)

var stateNames = map[State]string{
	StateUndefined:         "UNDEFINED",
	StatePendingPositive:   "PENDING_POSITIVE",
	StatePendingNegative:   "PENDING_NEGATIVE",
	StateApproved:          "APPROVED",
	StateDeclined:          "DECLINED",
	StateLocked:            "LOCKED",
	StateLockedForCreation: "LOCKED_FOR_CREATION",
	StateRevoked:           "REVOKED",
	StateDiscarded:         "DISCARDED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// transitions is the closed from-state -> to-states table. Any transition
// not listed here is a protocol invariant violation.
var transitions = map[State]map[State]bool{
	StateUndefined: {
		StatePendingPositive:   true,
		StatePendingNegative:   true,
		StateLockedForCreation: true,
		StateDiscarded:         true,
	},
	StatePendingPositive: {
		StateApproved:        true,
		StateDeclined:        true,
		StatePendingNegative: true,
	},
	StatePendingNegative: {
		StateDeclined:        true,
		StateApproved:        true,
		StatePendingPositive: true,
	},
	StateLockedForCreation: {
		StateApproved:  true,
		StateUndefined: true,
	},
	StateApproved: {
		StateLocked: true,
	},
	StateLocked: {
		StateApproved: true,
		StateRevoked:  true,
	},
}

// MarshalJSON encodes the state by its protocol name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CanTransition reports whether from -> to is allowed by the state graph.
// A self-transition is always allowed (idempotent saves).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Terminal reports whether the state is a final verdict. LOCKED counts as
// approved-but-superseded and is not terminal.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateDeclined, StateRevoked, StateDiscarded:
		return true
	}
	return false
}

// Pending reports whether voting is still in progress.
func (s State) Pending() bool {
	return s == StatePendingPositive || s == StatePendingNegative
}

// Positive reports whether the state counts as an approve opinion when a
// peer answers a vote pull with it.
func (s State) Positive() bool {
	return s == StatePendingPositive || s.Approved()
}

// Approved reports whether the item is approved and eligible for
// referencing, including the locked-for-revocation window.
func (s State) Approved() bool {
	return s == StateApproved || s == StateLocked
}

// ConsensusFound reports whether the network already settled this item
// one way or the other.
func (s State) ConsensusFound() bool {
	switch s {
	case StateApproved, StateLocked, StateRevoked, StateDeclined:
		return true
	}
	return false
}
