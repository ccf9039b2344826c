package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrTradeTerminal      = errors.New("trade is terminal")
	ErrTradeFrozen        = errors.New("trade is frozen")
	ErrAmountMismatch     = errors.New("amount mismatch")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrUnknownTenant      = errors.New("unknown tenant")
	ErrMissingField       = errors.New("missing required field")
	ErrBridgeOffline      = errors.New("chat bridge offline")
	ErrDeliveryUnknown    = errors.New("command delivery unconfirmed")
	ErrDuplicateEvent     = errors.New("duplicate payment event")

	ErrIllegalTransition = errors.New("illegal status transition")
	ErrStatusConflict    = errors.New("trade status changed concurrently")
	ErrEscrowEmpty       = errors.New("escrow balance is empty")
	ErrTicketClosed      = errors.New("ticket already closed")
	ErrNotParticipant    = errors.New("actor is not a party to the trade")
	ErrInvalidTrade      = errors.New("invalid trade parameters")
	ErrLockHeld          = errors.New("lock already held")
	ErrForbidden         = errors.New("action requires an administrator")
)

// TransitionError reports a rejected status change. It matches
// ErrTradeTerminal when the source status is terminal and
// ErrIllegalTransition otherwise.
type TransitionError struct {
	From TradeStatus
	To   TradeStatus
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("trade is terminal: %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("illegal status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.From.Terminal() {
		return ErrTradeTerminal
	}
	return ErrIllegalTransition
}

// FieldError names the request field that was missing or malformed.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing required field %q", e.Field)
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }
