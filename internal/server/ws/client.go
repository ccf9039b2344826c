package ws

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// control is a client request to narrow or widen its trade feed.
//
//	{"action": "watch", "trade_ids": [12, 13]}
//	{"action": "unwatch"}
type control struct {
	Action   string  `json:"action"`
	TradeIDs []int64 `json:"trade_ids"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu sync.RWMutex
	// watched is nil when every trade is of interest.
	watched map[int64]struct{}
	done    bool
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{hub: h, conn: conn, remote: remote, send: make(chan []byte, sendBuffer)}
}

func (c *client) watch(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		c.watched = nil
		return
	}
	c.watched = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		c.watched[id] = struct{}{}
	}
}

// wants reports whether a frame about tradeID should be delivered.
// Frames without a trade always are.
func (c *client) wants(tradeID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if tradeID == 0 || c.watched == nil {
		return true
	}
	_, ok := c.watched[tradeID]
	return ok
}

// offer queues data without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) offer(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.done {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var ctl control
		if json.Unmarshal(msg, &ctl) != nil {
			continue
		}
		switch ctl.Action {
		case "watch":
			c.watch(ctl.TradeIDs)
		case "unwatch":
			c.watch(nil)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTradeIDs(raw []string) []int64 {
	var ids []int64
	for _, s := range raw {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
