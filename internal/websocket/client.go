// internal/websocket/client.go
package websocket

import (
	"context"
	"sync"
	"time"

	"civicreport-service/internal/domain/issue"
	wstypes "civicreport-service/internal/domain/websocket"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// ClientAuth holds authentication information
type ClientAuth struct {
	SubjectID  string
	SessionID  string
	Space      string
	Role       string
	Department issue.Category
	Email      string
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	auth ClientAuth

	// Room membership, guarded by hub.mu.
	rooms map[wstypes.Room]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, auth *ClientAuth) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		auth:   *auth,
		rooms:  make(map[wstypes.Room]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) SubjectID() string { return c.auth.SubjectID }

func (c *Client) SessionID() string { return c.auth.SessionID }

func (c *Client) Role() string { return c.auth.Role }

func (c *Client) Department() issue.Category { return c.auth.Department }

// ReadPump handles incoming messages from client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed",
					zap.String("user_id", c.auth.SubjectID),
					zap.Error(err),
				)
			}
			return
		}

		c.handleMessage(message)
	}
}

// WritePump handles outgoing messages to client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleMessage processes incoming messages from client
func (c *Client) handleMessage(data []byte) {
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		c.SendError("invalid_message", "Failed to parse message", err.Error())
		return
	}

	switch msg.Type {
	case wstypes.EventTypePing:
		c.SendMessage(wstypes.NewMessage(wstypes.EventTypePong, nil))
		return

	case wstypes.EventTypeJoinRoom:
		var req wstypes.RoomRequest
		if err := msg.Decode(&req); err != nil {
			c.SendError("invalid_room", "Invalid join request", err.Error())
			return
		}
		if err := c.hub.JoinRoom(c, req.Room); err != nil {
			c.SendError("join_denied", "Cannot join room", err.Error())
			return
		}
		c.SendMessage(wstypes.NewMessage(wstypes.EventTypeJoinedRoom, wstypes.RoomRequest{Room: req.Room}))
		return

	case wstypes.EventTypeLeaveRoom:
		var req wstypes.RoomRequest
		if err := msg.Decode(&req); err != nil {
			c.SendError("invalid_room", "Invalid leave request", err.Error())
			return
		}
		c.hub.LeaveRoom(c, req.Room)
		c.SendMessage(wstypes.NewMessage(wstypes.EventTypeLeftRoom, wstypes.RoomRequest{Room: req.Room}))
		return
	}

	if err := c.hub.HandleClientMessage(c.ctx, c, msg); err != nil {
		c.SendError("handler_error", "Failed to process message", err.Error())
	}
}

// SendMessage queues a message. It reports false when the client is closed
// or its buffer is full.
func (c *Client) SendMessage(msg *wstypes.WSMessage) bool {
	data, err := msg.ToJSON()
	if err != nil {
		c.hub.logger.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendError sends an error message to the client
func (c *Client) SendError(code, message, details string) {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeError, wstypes.ErrorData{
		Code:    code,
		Message: message,
		Details: details,
	}))
}

// Close stops the write pump, which closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(c.cancel)
}
