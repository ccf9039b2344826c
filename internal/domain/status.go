package domain

import "fmt"

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusCreated              TradeStatus = "CREATED"
	StatusAwaitingVerification TradeStatus = "AWAITING_VERIFICATION"
	StatusVerified             TradeStatus = "VERIFIED"
	StatusInEscrow             TradeStatus = "IN_ESCROW"
	StatusCompleted            TradeStatus = "COMPLETED"
	StatusDisputeOpen          TradeStatus = "DISPUTE_OPEN"
	StatusCancelled            TradeStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TradeStatus{
	StatusCreated,
	StatusAwaitingVerification,
	StatusVerified,
	StatusInEscrow,
	StatusCompleted,
	StatusDisputeOpen,
	StatusCancelled,
}

// transitions is the closed set of allowed edges. DISPUTE_OPEN and CANCELLED
// are reachable from every non-terminal state; DISPUTE_OPEN leaves only to
// COMPLETED or CANCELLED.
var transitions = map[TradeStatus][]TradeStatus{
	StatusCreated:              {StatusAwaitingVerification, StatusDisputeOpen, StatusCancelled},
	StatusAwaitingVerification: {StatusVerified, StatusDisputeOpen, StatusCancelled},
	StatusVerified:             {StatusInEscrow, StatusDisputeOpen, StatusCancelled},
	StatusInEscrow:             {StatusCompleted, StatusDisputeOpen, StatusCancelled},
	StatusDisputeOpen:          {StatusCompleted, StatusCancelled},
}

// ParseTradeStatus converts s into a TradeStatus, rejecting unknown values.
func ParseTradeStatus(s string) (TradeStatus, error) {
	st := TradeStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown trade status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the declared statuses.
func (s TradeStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsFunds reports whether a trade in this status may carry a non-zero
// escrow balance.
func (s TradeStatus) HoldsFunds() bool {
	return s == StatusInEscrow || s == StatusDisputeOpen
}

// CanTransition reports whether the edge s -> to exists.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge from -> to and returns the new status.
// On rejection the original status is returned with a *TransitionError.
func Transition(from, to TradeStatus) (TradeStatus, error) {
	if !from.CanTransition(to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}
