// Package ws streams live trade and bridge events to operator dashboards.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// Frame types.
const (
	TypeStatus      = "status"
	TypeTradeEvent  = "trade_event"
	TypeBridgeState = "bridge_state"
)

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// frame is an encoded envelope plus the trade it concerns, zero for
// frames that are not about a single trade.
type frame struct {
	tradeID int64
	data    []byte
}

// Hub fans events out to connected WebSocket clients. Events arrive either
// from the signal bus, so every replica's clients see every trade, or
// directly through PublishTrade and PublishBridge when no bus is configured.
type Hub struct {
	bus      domain.SignalBus
	status   func() any
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. bus may be nil. status, when set, is sent to each
// client on connect.
func NewHub(bus domain.SignalBus, allowedOrigins []string, status func() any, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		status:  status,
		clients: make(map[*client]struct{}),
		logger:  logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run forwards signal bus traffic to clients until ctx is cancelled, then
// disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.forward(ctx, domain.ChannelTrades, TypeTradeEvent)
		go h.forward(ctx, domain.ChannelBridge, TypeBridgeState)
	}
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return nil
}

// PublishTrade delivers a trade event to local clients. It never blocks.
func (h *Hub) PublishTrade(ev domain.TradeEvent) {
	data, err := encode(TypeTradeEvent, ev)
	if err != nil {
		return
	}
	h.fanout(frame{tradeID: ev.TradeID, data: data})
}

// PublishBridge delivers a bridge state change to local clients.
func (h *Hub) PublishBridge(s domain.BridgeState) {
	data, err := encode(TypeBridgeState, map[string]any{"state": s})
	if err != nil {
		return
	}
	h.fanout(frame{data: data})
}

func encode(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

func (h *Hub) fanout(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(f.tradeID) {
			continue
		}
		if !c.offer(f.data) {
			h.logger.Warn("ws: dropping frame for slow client", slog.String("remote", c.remote))
		}
	}
}

// forward relays one bus channel. Trade payloads are peeked for their id so
// watch filters apply to events raised on other replicas too.
func (h *Hub) forward(ctx context.Context, channel, typ string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			data, err := json.Marshal(Envelope{Type: typ, Payload: payload})
			if err != nil {
				continue
			}
			f := frame{data: data}
			if typ == TypeTradeEvent {
				var ref struct {
					TradeID int64 `json:"trade_id"`
				}
				if json.Unmarshal(payload, &ref) == nil {
					f.tradeID = ref.TradeID
				}
			}
			h.fanout(f)
		}
	}
}

// HandleWS upgrades the request and registers the client. Repeated trade
// query parameters limit trade events to those trades.
// GET /ws?trade=12&trade=13
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	c.watch(parseTradeIDs(r.URL.Query()["trade"]))

	if h.status != nil {
		if data, err := encode(TypeStatus, h.status()); err == nil {
			c.offer(data)
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.String("remote", c.remote), slog.Int("clients", n))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected", slog.String("remote", c.remote), slog.Int("clients", n))
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
