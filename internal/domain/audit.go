package domain

import "time"

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorAdmin   ActorType = "admin"
	ActorSystem  ActorType = "system"
	ActorBridge  ActorType = "bridge"
	ActorWebhook ActorType = "webhook"
)

// Actor identifies the caller of a mutating operation.
type Actor struct {
	Ref  string    `json:"ref"`
	Type ActorType `json:"type"`
}

// IsAdmin reports whether the actor may perform administrative actions.
func (a Actor) IsAdmin() bool { return a.Type == ActorAdmin }

// SystemActor is used for automatic transitions (expiry, dispatch).
var SystemActor = Actor{Ref: "system", Type: ActorSystem}

// AuditAction is the verb recorded in the audit log.
type AuditAction string

const (
	AuditTradeCreated          AuditAction = "TRADE_CREATED"
	AuditVerificationRequested AuditAction = "VERIFICATION_REQUESTED"
	AuditVerificationMatched   AuditAction = "VERIFICATION_MATCHED"
	AuditTradeVerified         AuditAction = "TRADE_VERIFIED"
	AuditEscrowDeposited       AuditAction = "ESCROW_DEPOSITED"
	AuditDeliveryConfirmed     AuditAction = "DELIVERY_CONFIRMED"
	AuditDisputeOpened         AuditAction = "DISPUTE_OPENED"
	AuditFrozen                AuditAction = "FROZEN"
	AuditUnfrozen              AuditAction = "UNFROZEN"
	AuditAdjudicated           AuditAction = "ADJUDICATED"
	AuditCancelRequested       AuditAction = "CANCEL_REQUESTED"
	AuditTradeCancelled        AuditAction = "TRADE_CANCELLED"
	AuditTradeExpired          AuditAction = "TRADE_EXPIRED"
	AuditTicketClosed          AuditAction = "TICKET_CLOSED"
	AuditSettlementSent        AuditAction = "SETTLEMENT_SENT"
	AuditSettlementUnconfirmed AuditAction = "SETTLEMENT_UNCONFIRMED"
	AuditSettlementRequeued    AuditAction = "SETTLEMENT_REQUEUED"
	AuditBridgeOffline         AuditAction = "BRIDGE_OFFLINE"
	AuditPaymentRejected       AuditAction = "PAYMENT_REJECTED"
	AuditTradesArchived        AuditAction = "TRADES_ARCHIVED"
)

// AuditEntry is a single append-only audit row. TradeID is zero for entries
// not tied to a trade.
type AuditEntry struct {
	ID        int64          `json:"id"`
	TradeID   int64          `json:"trade_id,omitempty"`
	ActorRef  string         `json:"actor_ref"`
	ActorType ActorType      `json:"actor_type"`
	Action    AuditAction    `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewAudit builds an entry for actor acting on tradeID.
func NewAudit(tradeID int64, actor Actor, action AuditAction, payload map[string]any) AuditEntry {
	return AuditEntry{
		TradeID:   tradeID,
		ActorRef:  actor.Ref,
		ActorType: actor.Type,
		Action:    action,
		Payload:   payload,
	}
}
