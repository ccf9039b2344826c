package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationRule names which matching rule consumed a payment event.
type VerificationRule string

const (
	RuleSenderVerification   VerificationRule = "sender_verification"
	RuleReceiverVerification VerificationRule = "receiver_verification"
	RuleDeposit              VerificationRule = "deposit"
)

// Verification is an append-only record of a payment event that was matched
// to a trade. ReferenceID is unique across all rows and is the idempotency key
// for inbound events.
type Verification struct {
	ID              int64            `json:"id"`
	TradeID         int64            `json:"trade_id"`
	ReferenceID     string           `json:"reference_id"`
	Rule            VerificationRule `json:"rule"`
	PayerHandle     string           `json:"payer_handle"`
	RecipientHandle string           `json:"recipient_handle"`
	ExpectedAmount  decimal.Decimal  `json:"expected_amount"`
	ReceivedAmount  decimal.Decimal  `json:"received_amount"`
	RawEvidence     string           `json:"raw_evidence"`
	Source          EventSource      `json:"source"`
	Verified        bool             `json:"verified"`
	ObservedAt      time.Time        `json:"observed_at"`
	CreatedAt       time.Time        `json:"created_at"`
}

// TicketStatus is the state of the conversation thread attached to a trade.
type TicketStatus string

const (
	TicketOpen   TicketStatus = "OPEN"
	TicketClosed TicketStatus = "CLOSED"
)

// Ticket is the 1:1 conversation thread of a trade. It closes exactly once.
type Ticket struct {
	TradeID   int64        `json:"trade_id"`
	Ref       string       `json:"ref"`
	Status    TicketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

// SettlementKind distinguishes a payout to the value receiver from a refund
// to the depositor.
type SettlementKind string

const (
	SettlementRelease SettlementKind = "RELEASE"
	SettlementRefund  SettlementKind = "REFUND"
)

// SettlementStatus tracks delivery of a settlement instruction to the game.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "PENDING"
	// SettlementSending is claimed for delivery. A row left here was handed
	// to the bridge without a recorded outcome and is never resent
	// automatically.
	SettlementSending SettlementStatus = "SENDING"
	SettlementSent    SettlementStatus = "SENT"
)

// Settlement is an outbound pay instruction. It is recorded PENDING in the
// same transaction as the transition that produced it, claimed as SENDING
// before the command goes out and flipped to SENT once the bridge accepts it.
type Settlement struct {
	ID          string           `json:"id"`
	TradeID     int64            `json:"trade_id"`
	Kind        SettlementKind   `json:"kind"`
	PayeeHandle string           `json:"payee_handle"`
	Amount      decimal.Decimal  `json:"amount"`
	Fee         decimal.Decimal  `json:"fee"`
	Status      SettlementStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
}
