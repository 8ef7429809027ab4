package hub

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
)

type Client struct {
	Id   string
	Conn ConnLike
	Send chan []byte

	open atomic.Int64
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

const sendBuffer = 16

func NewClient(id string, conn ConnLike, open int64) *Client {
	c := &Client{Id: id, Conn: conn, Send: make(chan []byte, sendBuffer)}
	c.open.Store(open)
	return c
}

// Open is the conversation this client has on screen.
func (c *Client) Open() int64 { return c.open.Load() }

// ReadPump applies focus changes until the connection fails.
func (c *Client) ReadPump(h *Hub) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		var msg FocusMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Open == nil {
			continue
		}
		c.open.Store(*msg.Open)
		h.Refresh(c)
	}
}

// WritePump drains Send until the hub closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.WriteMessage(websocket.TextMessage, data)
	}
}
