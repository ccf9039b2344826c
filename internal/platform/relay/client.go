package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	frameBuffer = 64
)

// ErrClosed is returned by Next and Send once the connection has ended.
var ErrClosed = errors.New("relay: connection closed")

// Client dials the chat relay that fronts the game session.
type Client struct {
	url    string
	handle string
	token  string
	logger *slog.Logger
}

// NewClient creates a relay client that logs in as handle.
//
// url is the websocket endpoint, e.g. "ws://127.0.0.1:7300/session".
func NewClient(url, handle, token string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		handle: handle,
		token:  token,
		logger: logger.With(slog.String("component", "relay")),
	}
}

// Dial opens a session and sends the login hello. The returned Conn delivers
// inbound frames in order until the socket ends.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: connect: %w", err)
	}

	conn := &Conn{
		ws:     ws,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	if err := conn.write(hello{Type: "hello", Username: c.handle, Token: c.token}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("relay: hello: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go conn.readLoop()
	go conn.pingLoop()
	return conn, nil
}

// Conn is one live relay session.
type Conn struct {
	ws     *websocket.Conn
	frames chan Frame
	logger *slog.Logger

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	done      chan struct{}
	closeOnce sync.Once
}

// Next blocks until the next frame arrives. When the socket has ended it
// returns the read error, or ErrClosed after a local Close.
func (c *Conn) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.readErr()
		}
		return f, nil
	}
}

// Send writes a chat line or command to the game.
func (c *Conn) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.write(outbound{Type: "chat", Message: message}); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// Close shuts down the session. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// readLoop decodes frames until the socket fails, then closes the frame
// channel so Next reports the terminal error.
func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				err = ErrClosed
			default:
			}
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("relay: undecodable frame", slog.String("error", err.Error()))
			continue
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
