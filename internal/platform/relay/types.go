package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FrameType is the kind of an inbound relay frame.
type FrameType string

const (
	FrameLogin  FrameType = "login"
	FrameSpawn  FrameType = "spawn"
	FrameChat   FrameType = "chat"
	FrameKicked FrameType = "kicked"
	FrameEnd    FrameType = "end"
	FrameError  FrameType = "error"
)

// Chat positions reported by the relay. Only system messages come from the
// server itself; player chat and the action bar can be spoofed.
const (
	PositionSystem   = "system"
	PositionChat     = "chat"
	PositionGameInfo = "game_info"
)

// Frame is one JSON message from the chat relay.
type Frame struct {
	Type     FrameType  `json:"type"`
	Username string     `json:"username,omitempty"`
	Position string     `json:"position,omitempty"`
	Text     string     `json:"text,omitempty"`
	JSON     *Component `json:"json,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Line returns the plain text of a chat frame, flattening components when the
// relay forwarded structured text.
func (f Frame) Line() string {
	if f.JSON != nil {
		return f.JSON.Flatten()
	}
	return f.Text
}

// Component is a structured chat text node. Children in extra and with may
// be plain strings.
type Component struct {
	Text  string      `json:"text,omitempty"`
	Extra []Component `json:"extra,omitempty"`
	With  []Component `json:"with,omitempty"`
}

// UnmarshalJSON accepts either a bare string or an object.
func (c *Component) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	type plain Component
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Component(p)
	return nil
}

// Flatten concatenates the text of c and all of its descendants depth first.
func (c Component) Flatten() string {
	var b strings.Builder
	c.flatten(&b)
	return b.String()
}

func (c Component) flatten(b *strings.Builder) {
	b.WriteString(c.Text)
	for _, e := range c.Extra {
		e.flatten(b)
	}
	for _, w := range c.With {
		w.flatten(b)
	}
}

// hello is the first frame sent after dialing.
type hello struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// outbound carries a chat command to the game.
type outbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
