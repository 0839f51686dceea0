// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/avelinehq/storefront-realtime/internal/logging"
	"github.com/avelinehq/storefront-realtime/internal/metrics"
	"github.com/avelinehq/storefront-realtime/internal/validation"
)

// Options tunes per-connection transport behavior.
type Options struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the transport defaults used when no configuration
// is supplied (tests, embedded use).
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 512 * 1024,
	}
}

// Scope routes a server-side publish to its delivery group.
type Scope struct {
	// Kind is one of scopeChannel/scopeRoom/scopeUser/scopeGlobal via the
	// Scope* constructors below.
	Kind   string
	Target string
}

// ScopeToChannel publishes to a channel's subscribers.
func ScopeToChannel(name string) Scope { return Scope{Kind: scopeChannel, Target: name} }

// ScopeToRoom publishes to a room's members.
func ScopeToRoom(name string) Scope { return Scope{Kind: scopeRoom, Target: name} }

// ScopeToUser publishes to every live connection of one user.
func ScopeToUser(userID string) Scope { return Scope{Kind: scopeUser, Target: userID} }

// ScopeGlobal publishes to every registered connection.
func ScopeGlobal() Scope { return Scope{Kind: scopeGlobal} }

// Gateway is the transport adapter: it terminates websocket connections,
// drives each one through the anonymous -> authenticated -> disconnected
// state machine, and translates decoded commands into registry and hub
// operations. Exactly one Gateway exists per process; it is constructed in
// main and passed by reference to anything that publishes events.
type Gateway struct {
	opts     Options
	registry *Registry
	hub      *Hub

	mu sync.Mutex
	// clients tracks every live client including anonymous ones, so
	// shutdown can close connections that never authenticated.
	clients map[*Client]struct{}

	initialized atomic.Bool
}

// Status is the cheap read-only snapshot for health checks.
type Status struct {
	Initialized bool `json:"initialized"`
	Connections int  `json:"connections"`
	Channels    int  `json:"channels"`
	Rooms       int  `json:"rooms"`
}

// NewGateway constructs a ready gateway with empty state.
func NewGateway(opts Options) *Gateway {
	if opts.SendBuffer <= 0 {
		opts = DefaultOptions()
	}
	registry := NewRegistry()
	g := &Gateway{
		opts:     opts,
		registry: registry,
		hub:      NewHub(registry),
		clients:  make(map[*Client]struct{}),
	}
	g.initialized.Store(true)
	return g
}

// Hub exposes the pub-sub core for callers that need direct group
// operations (tests, introspection handlers).
func (g *Gateway) Hub() *Hub { return g.hub }

// NewClient wraps an upgraded websocket connection in an anonymous client.
// The caller starts the pumps with Client.Start.
func (g *Gateway) NewClient(conn wsConn) *Client {
	c := newClient(g, conn)
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	return c
}

// HandleMessage decodes one inbound frame and executes it, returning the
// single response frame the client is owed. It never panics on malformed
// input; protocol errors are answered in-band and affect no one else.
func (g *Gateway) HandleMessage(c *Client, data []byte) Frame {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.RecordCommand("invalid", "malformed")
		return newFrame(MsgError, ErrorResult{Error: ErrMalformedCommand})
	}

	switch frame.Type {
	case CmdAuthenticate:
		return g.handleAuthenticate(c, frame.Payload)
	case CmdSubscribe:
		return g.handleSubscribe(c, frame.Payload)
	case CmdUnsubscribe:
		return g.handleUnsubscribe(c, frame.Payload)
	case CmdJoinRoom:
		return g.handleJoinRoom(c, frame.Payload)
	case CmdLeaveRoom:
		return g.handleLeaveRoom(c, frame.Payload)
	case CmdCustomEvent:
		return g.handleCustomEvent(c, frame.Payload)
	case CmdPing:
		metrics.RecordCommand(CmdPing, "ok")
		return newFrame(MsgPong, PongPayload{Timestamp: time.Now().UTC().Format(time.RFC3339)})
	default:
		metrics.RecordCommand("unknown", "malformed")
		return newFrame(MsgError, ErrorResult{Error: ErrUnknownCommand})
	}
}

func (g *Gateway) handleAuthenticate(c *Client, payload json.RawMessage) Frame {
	// Re-authentication on an already-registered connection is an
	// idempotent success.
	if c.authenticated() {
		metrics.RecordCommand(CmdAuthenticate, "ok")
		return newFrame(CmdAuthenticate, AuthResult{Success: true, ConnectionID: c.connectionID})
	}

	var p AuthenticatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.RecordCommand(CmdAuthenticate, "malformed")
		return newFrame(CmdAuthenticate, AuthResult{Error: ErrMalformedCommand})
	}
	if p.UserID == "" || p.SessionID == "" {
		metrics.RecordCommand(CmdAuthenticate, "rejected")
		return newFrame(CmdAuthenticate, AuthResult{Error: ErrMissingIdentity})
	}

	sess := g.registry.Connect(p.SessionID, p.UserID)
	c.connectionID = sess.ConnectionID
	g.hub.Attach(sess.ConnectionID, c)

	metrics.RecordCommand(CmdAuthenticate, "ok")
	logging.Debug().
		Str("connection_id", sess.ConnectionID).
		Str("user_id", p.UserID).
		Msg("session authenticated")
	return newFrame(CmdAuthenticate, AuthResult{Success: true, ConnectionID: sess.ConnectionID})
}

func (g *Gateway) handleSubscribe(c *Client, payload json.RawMessage) Frame {
	if !c.authenticated() {
		metrics.RecordCommand(CmdSubscribe, "rejected")
		return newFrame(CmdSubscribe, ChannelResult{Error: ErrNotAuthenticated})
	}

	var p ChannelPayload
	if err := json.Unmarshal(payload, &p); err != nil || !validation.ValidGroupName(p.ChannelName) {
		metrics.RecordCommand(CmdSubscribe, "malformed")
		return newFrame(CmdSubscribe, ChannelResult{Error: ErrFailedSubscribe})
	}

	if !g.hub.Subscribe(c.connectionID, p.ChannelName) {
		metrics.RecordCommand(CmdSubscribe, "rejected")
		return newFrame(CmdSubscribe, ChannelResult{Error: ErrFailedSubscribe})
	}

	metrics.RecordCommand(CmdSubscribe, "ok")
	return newFrame(CmdSubscribe, ChannelResult{Success: true, ChannelName: p.ChannelName})
}

func (g *Gateway) handleUnsubscribe(c *Client, payload json.RawMessage) Frame {
	if !c.authenticated() {
		metrics.RecordCommand(CmdUnsubscribe, "rejected")
		return newFrame(CmdUnsubscribe, ChannelResult{Error: ErrNotAuthenticated})
	}

	var p ChannelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelName == "" {
		metrics.RecordCommand(CmdUnsubscribe, "malformed")
		return newFrame(CmdUnsubscribe, ChannelResult{Error: ErrFailedUnsubscribe})
	}

	if !g.hub.Unsubscribe(c.connectionID, p.ChannelName) {
		metrics.RecordCommand(CmdUnsubscribe, "rejected")
		return newFrame(CmdUnsubscribe, ChannelResult{Error: ErrFailedUnsubscribe})
	}

	metrics.RecordCommand(CmdUnsubscribe, "ok")
	return newFrame(CmdUnsubscribe, ChannelResult{Success: true, ChannelName: p.ChannelName})
}

func (g *Gateway) handleJoinRoom(c *Client, payload json.RawMessage) Frame {
	if !c.authenticated() {
		metrics.RecordCommand(CmdJoinRoom, "rejected")
		return newFrame(CmdJoinRoom, RoomResult{Error: ErrNotAuthenticated})
	}

	var p RoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || !validation.ValidGroupName(p.RoomName) {
		metrics.RecordCommand(CmdJoinRoom, "malformed")
		return newFrame(CmdJoinRoom, RoomResult{Error: ErrFailedJoinRoom})
	}

	if !g.hub.JoinRoom(c.connectionID, p.RoomName) {
		metrics.RecordCommand(CmdJoinRoom, "rejected")
		return newFrame(CmdJoinRoom, RoomResult{Error: ErrFailedJoinRoom})
	}

	metrics.RecordCommand(CmdJoinRoom, "ok")
	return newFrame(CmdJoinRoom, RoomResult{Success: true, RoomName: p.RoomName, Action: RoomActionJoined})
}

func (g *Gateway) handleLeaveRoom(c *Client, payload json.RawMessage) Frame {
	if !c.authenticated() {
		metrics.RecordCommand(CmdLeaveRoom, "rejected")
		return newFrame(CmdLeaveRoom, RoomResult{Error: ErrNotAuthenticated})
	}

	var p RoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomName == "" {
		metrics.RecordCommand(CmdLeaveRoom, "malformed")
		return newFrame(CmdLeaveRoom, RoomResult{Error: ErrFailedLeaveRoom})
	}

	if !g.hub.LeaveRoom(c.connectionID, p.RoomName) {
		metrics.RecordCommand(CmdLeaveRoom, "rejected")
		return newFrame(CmdLeaveRoom, RoomResult{Error: ErrFailedLeaveRoom})
	}

	metrics.RecordCommand(CmdLeaveRoom, "ok")
	return newFrame(CmdLeaveRoom, RoomResult{Success: true, RoomName: p.RoomName, Action: RoomActionLeft})
}

func (g *Gateway) handleCustomEvent(c *Client, payload json.RawMessage) Frame {
	if !c.authenticated() {
		metrics.RecordCommand(CmdCustomEvent, "rejected")
		return newFrame(CmdCustomEvent, CustomEventResult{Error: ErrNotAuthenticated})
	}

	var p CustomEventPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Event.Type == "" {
		metrics.RecordCommand(CmdCustomEvent, "malformed")
		return newFrame(CmdCustomEvent, CustomEventResult{Error: ErrInvalidEvent})
	}

	var recipients int
	if p.Target != "" {
		recipients = g.hub.SendToRoom(p.Target, p.Event)
	} else {
		recipients = g.hub.BroadcastToOwnChannels(c.connectionID, p.Event)
	}

	metrics.RecordCommand(CmdCustomEvent, "ok")
	return newFrame(CmdCustomEvent, CustomEventResult{Success: true, Recipients: recipients})
}

// handleDisconnect runs the disconnect cascade for a client whose read pump
// has exited. Idempotent.
func (g *Gateway) handleDisconnect(c *Client) {
	g.mu.Lock()
	_, tracked := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()

	if c.authenticated() {
		g.hub.Disconnect(c.connectionID)
	}
	c.closeSend()

	if tracked && !c.authenticated() {
		logging.Debug().Uint64("client_id", c.id).Msg("anonymous connection closed")
	}
}

// Publish pushes an event into the pub-sub core on behalf of server-side
// callers (content-update handlers, the NATS bridge, the HTTP publish
// endpoint). Returns the number of connections the event was handed to.
func (g *Gateway) Publish(ev Event, scope Scope) int {
	if !g.initialized.Load() {
		return 0
	}
	switch scope.Kind {
	case scopeChannel:
		return g.hub.BroadcastToChannel(scope.Target, ev)
	case scopeRoom:
		return g.hub.SendToRoom(scope.Target, ev)
	case scopeUser:
		return g.hub.SendToUser(scope.Target, ev)
	case scopeGlobal:
		return g.hub.BroadcastGlobal(ev)
	default:
		return 0
	}
}

// Status returns a snapshot for health checks. It reads atomic counters
// only and never touches the fan-out lock.
func (g *Gateway) Status() Status {
	return Status{
		Initialized: g.initialized.Load(),
		Connections: g.hub.ConnectionCount(),
		Channels:    g.hub.ChannelCount(),
		Rooms:       g.hub.RoomCount(),
	}
}

// Shutdown closes all client connections and clears registry and
// membership state. Idempotent and safe to call from a signal handler.
func (g *Gateway) Shutdown() {
	if !g.initialized.CompareAndSwap(true, false) {
		return
	}

	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[*Client]struct{})
	g.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		_ = c.conn.Close()
	}

	g.hub.Shutdown()
	g.registry.Clear()
	logging.Info().Int("clients_closed", len(clients)).Msg("realtime gateway stopped")
}
