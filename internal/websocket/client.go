package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/starstore/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second

	// Clients only listen; anything they send is dropped.
	readLimit = 512
)

// Client is one authenticated WebSocket connection. Events reach it through
// the Hub according to userID and role.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	userID int64
	role   model.Role
}

func NewClient(hub *Hub, conn *ws.Conn, userID int64, role model.Role) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		role:   role,
	}
}

// Run registers the client and pumps events to it until the connection or
// ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		c.readPump(ctx)
		cancel()
	}()
	status, reason := c.writePump(ctx)
	c.conn.Close(status, reason)
}

func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump returns the close status to send once it stops.
func (c *Client) writePump(ctx context.Context) (ws.StatusCode, string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return ws.StatusNormalClosure, ""
			}
			if err := c.write(ctx, msg); err != nil {
				return ws.StatusGoingAway, ""
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return ws.StatusGoingAway, "ping timeout"
			}
		case <-ctx.Done():
			return ws.StatusNormalClosure, ""
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
