package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies one side of a trade.
type Role string

const (
	// RoleSender is the buyer: the party that sends money into escrow by
	// default.
	RoleSender Role = "sender"
	// RoleReceiver is the seller: the party paid out at release.
	RoleReceiver Role = "receiver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleSender || r == RoleReceiver }

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// Trade is a two-party escrow trade.
type Trade struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`

	SenderRef      string `json:"sender_ref"`
	ReceiverRef    string `json:"receiver_ref"`
	SenderHandle   string `json:"sender_handle"`
	ReceiverHandle string `json:"receiver_handle"`

	SaleAmount    decimal.Decimal     `json:"sale_amount"`
	FeePercent    decimal.Decimal     `json:"fee_percent"`
	FeeAmount     decimal.NullDecimal `json:"fee_amount"`
	EscrowBalance decimal.Decimal     `json:"escrow_balance"`

	VerificationAmountSender   decimal.Decimal `json:"verification_amount_sender"`
	VerificationAmountReceiver decimal.Decimal `json:"verification_amount_receiver"`
	SenderVerified             bool            `json:"sender_verified"`
	ReceiverVerified           bool            `json:"receiver_verified"`

	// Policy snapshot taken at creation.
	Depositor Role `json:"depositor"`
	FeeBearer Role `json:"fee_bearer"`

	Status            TradeStatus `json:"status"`
	Frozen            bool        `json:"frozen"`
	DisputeReason     string      `json:"dispute_reason,omitempty"`
	DisputedBy        string      `json:"disputed_by,omitempty"`
	CancelRequestedBy Role        `json:"cancel_requested_by,omitempty"`
	TicketRef         string      `json:"ticket_ref"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Payout is a money movement produced by a settling transition.
type Payout struct {
	Kind   SettlementKind
	Role   Role
	Handle string
	Amount decimal.Decimal
	Fee    decimal.Decimal
}

// Handle returns the game handle of the party playing role r.
func (t *Trade) Handle(r Role) string {
	if r == RoleSender {
		return t.SenderHandle
	}
	return t.ReceiverHandle
}

// Ref returns the actor reference of the party playing role r.
func (t *Trade) Ref(r Role) string {
	if r == RoleSender {
		return t.SenderRef
	}
	return t.ReceiverRef
}

// RoleOf resolves an actor reference to its role on this trade.
func (t *Trade) RoleOf(actorRef string) (Role, bool) {
	switch actorRef {
	case "":
		return "", false
	case t.SenderRef:
		return RoleSender, true
	case t.ReceiverRef:
		return RoleReceiver, true
	}
	return "", false
}

// VerificationAmount returns the tripwire amount assigned to role r.
func (t *Trade) VerificationAmount(r Role) decimal.Decimal {
	if r == RoleSender {
		return t.VerificationAmountSender
	}
	return t.VerificationAmountReceiver
}

// Verified reports whether role r has completed identity verification.
func (t *Trade) Verified(r Role) bool {
	if r == RoleSender {
		return t.SenderVerified
	}
	return t.ReceiverVerified
}

// IsHandle reports whether handle belongs to role r, ignoring case.
func (t *Trade) IsHandle(r Role, handle string) bool {
	return strings.EqualFold(strings.TrimSpace(handle), t.Handle(r))
}

// Fee is the settlement fee for this trade's sale amount.
func (t *Trade) Fee() decimal.Decimal {
	return ComputeFee(t.SaleAmount, t.FeePercent)
}

// ExpectedDeposit is the amount the depositor must send into escrow. When the
// depositor also bears the fee it is added on top of the sale amount.
func (t *Trade) ExpectedDeposit() decimal.Decimal {
	if t.FeeBearer == t.Depositor {
		return t.SaleAmount.Add(t.Fee())
	}
	return t.SaleAmount
}

func (t *Trade) transition(to TradeStatus) error {
	next, err := Transition(t.Status, to)
	if err != nil {
		return err
	}
	t.Status = next
	return nil
}

// RequestVerification assigns the tripwire amounts and opens the verification
// window.
func (t *Trade) RequestVerification(sender, receiver decimal.Decimal, expiresAt time.Time) error {
	if err := t.transition(StatusAwaitingVerification); err != nil {
		return err
	}
	t.VerificationAmountSender = sender
	t.VerificationAmountReceiver = receiver
	t.ExpiresAt = &expiresAt
	return nil
}

// MarkVerified records role r's verification. The trade moves to VERIFIED in
// the same step that makes both flags true.
func (t *Trade) MarkVerified(r Role) error {
	if t.Status != StatusAwaitingVerification {
		return &TransitionError{From: t.Status, To: StatusVerified}
	}
	if t.Verified(r) {
		return ErrStatusConflict
	}
	if r == RoleSender {
		t.SenderVerified = true
	} else {
		t.ReceiverVerified = true
	}
	if t.SenderVerified && t.ReceiverVerified {
		return t.transition(StatusVerified)
	}
	return nil
}

// FundEscrow records a deposit of the observed amount.
func (t *Trade) FundEscrow(observed decimal.Decimal) error {
	if t.Frozen {
		return ErrTradeFrozen
	}
	if err := t.transition(StatusInEscrow); err != nil {
		return err
	}
	t.EscrowBalance = observed
	return nil
}

// Release completes an escrowed trade and returns the payout owed to the
// non-depositing party.
func (t *Trade) Release() (Payout, error) {
	if t.Frozen {
		return Payout{}, ErrTradeFrozen
	}
	if t.Status != StatusInEscrow {
		return Payout{}, &TransitionError{From: t.Status, To: StatusCompleted}
	}
	if err := t.transition(StatusCompleted); err != nil {
		return Payout{}, err
	}
	return t.settleToPayee(), nil
}

// OpenDispute moves a non-terminal trade into DISPUTE_OPEN and freezes it.
func (t *Trade) OpenDispute(by, reason string) error {
	if err := t.transition(StatusDisputeOpen); err != nil {
		return err
	}
	t.Frozen = true
	t.DisputedBy = by
	t.DisputeReason = reason
	return nil
}

// Freeze blocks fund-moving transitions. Only disputed trades can be frozen.
func (t *Trade) Freeze() error {
	if t.Status != StatusDisputeOpen {
		return t.freezeError()
	}
	t.Frozen = true
	return nil
}

// Unfreeze lifts a freeze on a disputed trade.
func (t *Trade) Unfreeze() error {
	if t.Status != StatusDisputeOpen {
		return t.freezeError()
	}
	t.Frozen = false
	return nil
}

func (t *Trade) freezeError() error {
	if t.Status.Terminal() {
		return &TransitionError{From: t.Status, To: t.Status}
	}
	return ErrIllegalTransition
}

// Adjudicate resolves a dispute in favour of beneficiary. The depositor is
// refunded the full escrow; the other party receives escrow minus fee.
// Adjudication is the only fund-moving action allowed while frozen.
func (t *Trade) Adjudicate(beneficiary Role) (Payout, error) {
	if t.Status != StatusDisputeOpen {
		return Payout{}, &TransitionError{From: t.Status, To: StatusCompleted}
	}
	if !t.EscrowBalance.IsPositive() {
		return Payout{}, ErrEscrowEmpty
	}
	if err := t.transition(StatusCompleted); err != nil {
		return Payout{}, err
	}
	t.Frozen = false
	if beneficiary == t.Depositor {
		return t.refund(), nil
	}
	return t.settleToPayee(), nil
}

// Cancel moves the trade to CANCELLED. Held funds are refunded to the
// depositor in full; a frozen trade holding funds cannot be cancelled.
func (t *Trade) Cancel() (*Payout, error) {
	if t.Frozen && t.EscrowBalance.IsPositive() {
		return nil, ErrTradeFrozen
	}
	if err := t.transition(StatusCancelled); err != nil {
		return nil, err
	}
	t.Frozen = false
	t.CancelRequestedBy = ""
	if !t.EscrowBalance.IsPositive() {
		return nil, nil
	}
	p := t.refund()
	return &p, nil
}

// Expire cancels a trade whose verification window has elapsed.
func (t *Trade) Expire(now time.Time) error {
	if t.Status != StatusAwaitingVerification {
		return &TransitionError{From: t.Status, To: StatusCancelled}
	}
	if t.ExpiresAt == nil || now.Before(*t.ExpiresAt) {
		return ErrStatusConflict
	}
	return t.transition(StatusCancelled)
}

// Abandon cancels a trade that never left CREATED and was created before
// cutoff.
func (t *Trade) Abandon(cutoff time.Time) error {
	if t.Status != StatusCreated {
		return &TransitionError{From: t.Status, To: StatusCancelled}
	}
	if !t.CreatedAt.Before(cutoff) {
		return ErrStatusConflict
	}
	return t.transition(StatusCancelled)
}

func (t *Trade) settleToPayee() Payout {
	fee := t.Fee()
	payee := t.Depositor.Other()
	amount := t.EscrowBalance.Sub(fee)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	t.FeeAmount = decimal.NewNullDecimal(fee)
	t.EscrowBalance = decimal.Zero
	return Payout{Kind: SettlementRelease, Role: payee, Handle: t.Handle(payee), Amount: amount, Fee: fee}
}

func (t *Trade) refund() Payout {
	amount := t.EscrowBalance
	t.FeeAmount = decimal.NewNullDecimal(decimal.Zero)
	t.EscrowBalance = decimal.Zero
	return Payout{Kind: SettlementRefund, Role: t.Depositor, Handle: t.Handle(t.Depositor), Amount: amount, Fee: decimal.Zero}
}
