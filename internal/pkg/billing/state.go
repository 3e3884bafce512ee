package billing

// PaymentState is the handshake state of one payment id.
type PaymentState string

const (
	StateCreated           PaymentState = "created"
	StatePendingApproval   PaymentState = "pending_approval"
	StateApproved          PaymentState = "approved"
	StatePendingCompletion PaymentState = "pending_completion"
	StateCompleted         PaymentState = "completed"
	StateCancelled         PaymentState = "cancelled"
	StateFailed            PaymentState = "failed"
)

var transitions = map[PaymentState][]PaymentState{
	StateCreated:           {StatePendingApproval, StatePendingCompletion, StateCancelled, StateFailed},
	StatePendingApproval:   {StateApproved, StatePendingCompletion, StateCancelled, StateFailed},
	StateApproved:          {StatePendingCompletion, StateCancelled, StateFailed},
	StatePendingCompletion: {StateCompleted, StateCancelled, StateFailed},
	// A failed payment may be retried with the same payment id.
	StateFailed: {StatePendingApproval, StatePendingCompletion, StateCancelled},
}

// CanTransitionTo reports whether next may follow s.
func (s PaymentState) CanTransitionTo(next PaymentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s accepts no further transitions.
func (s PaymentState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// sourcesOf lists every state from which next is reachable.
func sourcesOf(next PaymentState) []PaymentState {
	var out []PaymentState
	for _, s := range []PaymentState{StateCreated, StatePendingApproval, StateApproved, StatePendingCompletion, StateFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

func stateStrings(states []PaymentState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
