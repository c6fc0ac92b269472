package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Client is one websocket connection. ReadPump runs on the handler goroutine and
// WritePump on its own, so reads and writes never contend.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// ReadPump consumes client events until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", "userId", c.userID, "error", err)
			}
			return
		}

		var evt protocol.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.hub.logger.Warn("invalid frame", "userId", c.userID, "error", err)
			continue
		}
		c.handle(evt)
	}
}

func (c *Client) handle(evt protocol.Event) {
	switch evt.Op {
	case protocol.OpHeartbeat:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.sendTo(c, protocol.OpHeartbeatAck, nil)
	case protocol.OpPresenceOnline:
		c.hub.broadcastExcept(c.userID, protocol.OpUserOnline, protocol.UserData{UserID: c.userID})
	case protocol.OpPresenceOffline:
		c.hub.markOffline(c.userID)
	case protocol.OpRosterRequest:
		c.hub.sendTo(c, protocol.OpRoster, protocol.RosterData{Users: c.hub.Roster()})
	case protocol.OpMessageSend:
		var msg models.Message
		if err := evt.Decode(&msg); err != nil || msg.ReceiverID == "" {
			c.hub.logger.Warn("invalid message_send", "userId", c.userID, "error", err)
			return
		}
		msg.SenderID = c.userID
		c.hub.BroadcastToUser(msg.ReceiverID, protocol.OpMessageCreate, msg)
	default:
		c.hub.logger.Debug("unknown op", "userId", c.userID, "op", evt.Op)
	}
}

// WritePump drains the send queue into the socket.
func (c *Client) WritePump() {
	defer func() { _ = c.conn.Close() }()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
