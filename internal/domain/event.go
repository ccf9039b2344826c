package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventSource names where a payment observation came from.
type EventSource string

const (
	SourceChat    EventSource = "chat"
	SourceWebhook EventSource = "webhook"
	SourceInvoice EventSource = "invoice"
)

// PaymentEvent is a normalized observation or assertion of an in-game
// payment. ReferenceID is the idempotency key; TradeID optionally pins the
// event to a single trade.
type PaymentEvent struct {
	ReferenceID     string          `json:"reference_id"`
	TenantID        string          `json:"tenant_id,omitempty"`
	TradeID         int64           `json:"trade_id,omitempty"`
	PayerHandle     string          `json:"payer_handle"`
	RecipientHandle string          `json:"recipient_handle"`
	Amount          decimal.Decimal `json:"amount"`
	RawLine         string          `json:"raw_line,omitempty"`
	Source          EventSource     `json:"source"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// TradeEventKind names a state change worth telling humans about.
type TradeEventKind string

const (
	EventVerificationMatched TradeEventKind = "verification_matched"
	EventTradeVerified       TradeEventKind = "trade_verified"
	EventEscrowFunded        TradeEventKind = "escrow_funded"
	EventTradeCompleted      TradeEventKind = "trade_completed"
	EventDisputeOpened       TradeEventKind = "dispute_opened"
	EventTradeCancelled      TradeEventKind = "trade_cancelled"
	EventTradeExpired        TradeEventKind = "trade_expired"
	EventCancelRequested     TradeEventKind = "cancel_requested"
	EventTradeFrozen         TradeEventKind = "trade_frozen"
	EventTradeUnfrozen       TradeEventKind = "trade_unfrozen"
	EventSettlementSent      TradeEventKind = "settlement_sent"
	EventVerificationOpened  TradeEventKind = "verification_requested"
)

// TradeEvent is published after a committed state change. It is the payload
// of notifications, the live websocket feed and the signal bus.
type TradeEvent struct {
	Kind      TradeEventKind  `json:"kind"`
	TradeID   int64           `json:"trade_id"`
	TicketRef string          `json:"ticket_ref"`
	Status    TradeStatus     `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Detail    string          `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// NewTradeEvent snapshots t into an event of the given kind.
func NewTradeEvent(kind TradeEventKind, t Trade, amount decimal.Decimal, detail string, at time.Time) TradeEvent {
	return TradeEvent{
		Kind:      kind,
		TradeID:   t.ID,
		TicketRef: t.TicketRef,
		Status:    t.Status,
		Amount:    amount,
		Detail:    detail,
		At:        at,
	}
}

// BridgeState is the connection state of the chat bridge.
type BridgeState string

const (
	BridgeDisconnected BridgeState = "DISCONNECTED"
	BridgeConnecting   BridgeState = "CONNECTING"
	BridgeConnected    BridgeState = "CONNECTED"
	BridgeSpawned      BridgeState = "SPAWNED"
	BridgeOffline      BridgeState = "OFFLINE"
)

// Online reports whether commands can be sent in this state.
func (s BridgeState) Online() bool {
	return s == BridgeConnected || s == BridgeSpawned
}

// AllBridgeStates lists every bridge state.
var AllBridgeStates = []BridgeState{BridgeDisconnected, BridgeConnecting, BridgeConnected, BridgeSpawned, BridgeOffline}

// BridgeStatus is a point-in-time view of the bridge for operators.
type BridgeStatus struct {
	State         BridgeState `json:"state"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	ConnectedAt   *time.Time  `json:"connected_at,omitempty"`
	Handle        string      `json:"handle"`
	Reconnects    int64       `json:"reconnects"`
	EventsEmitted int64       `json:"events_emitted"`
}
