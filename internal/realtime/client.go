// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avelinehq/storefront-realtime/internal/logging"
)

// clientIDCounter generates unique, monotonically increasing IDs for
// clients, giving log lines a stable ordering key.
var clientIDCounter atomic.Uint64

// wsConn is the subset of *websocket.Conn the client uses. Tests substitute
// an in-memory fake so the pumps and command flow run without a socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// Client is the middleman between one websocket connection and the gateway.
// The read pump decodes command frames and hands them to the gateway; the
// write pump drains the buffered send queue onto the wire.
//
// connectionID is written only by the read pump (during authenticate) and
// read during command handling on the same goroutine, so it needs no lock.
type Client struct {
	id      uint64
	gateway *Gateway
	conn    wsConn

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	// connectionID is empty while the session is anonymous; the session is
	// authenticated once it is set.
	connectionID string
}

// newClient wraps an upgraded websocket connection. The client is anonymous
// until it authenticates.
func newClient(g *Gateway, conn wsConn) *Client {
	return &Client{
		id:      clientIDCounter.Add(1),
		gateway: g,
		conn:    conn,
		send:    make(chan Frame, g.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// authenticated reports whether this connection holds a registered session.
func (c *Client) authenticated() bool {
	return c.connectionID != ""
}

// trySend enqueues a frame without blocking. Returns false if the queue is
// full or the client is closing; the frame is dropped for this client only.
func (c *Client) trySend(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// closeSend stops the write pump. Safe to call from any goroutine, any
// number of times. The done channel is closed instead of the send channel
// so that concurrent trySend calls can never panic.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump pumps frames from the websocket connection into the gateway.
// It owns the connection's read side and all per-connection state
// transitions, including the disconnect cascade on exit.
func (c *Client) readPump() {
	defer func() {
		c.gateway.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.gateway.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.gateway.opts.PongWait)); err != nil {
		logging.Error().Err(err).Uint64("client_id", c.id).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gateway.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Uint64("client_id", c.id).Msg("unexpected websocket close")
			}
			return
		}

		resp := c.gateway.HandleMessage(c, data)
		if !c.trySend(resp) {
			// The client cannot even drain its own command responses;
			// treat it as gone.
			return
		}
	}
}

// writePump pumps frames from the send queue to the websocket connection
// and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.gateway.opts.WriteWait)); err != nil {
				logging.Error().Err(err).Uint64("client_id", c.id).Msg("failed to set write deadline")
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.gateway.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
			return
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
