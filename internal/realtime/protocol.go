// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"time"

	"github.com/goccy/go-json"
)

// Client command names. Each inbound frame carries one of these in its
// type field; the gateway answers every command with exactly one response
// frame of the same type (or MsgError for frames it cannot decode).
const (
	CmdAuthenticate = "authenticate"
	CmdSubscribe    = "subscribe"
	CmdUnsubscribe  = "unsubscribe"
	CmdJoinRoom     = "join_room"
	CmdLeaveRoom    = "leave_room"
	CmdCustomEvent  = "custom_event"
	CmdPing         = "ping"
)

// Server-originated frame types.
const (
	MsgPong          = "pong"
	MsgRealtimeEvent = "realtime_event"
	MsgError         = "error"
)

// Room membership actions echoed in join/leave responses.
const (
	RoomActionJoined = "joined"
	RoomActionLeft   = "left"
)

// Client-visible error strings. These are part of the wire contract.
const (
	ErrNotAuthenticated  = "Not authenticated"
	ErrFailedSubscribe   = "Failed to subscribe"
	ErrFailedUnsubscribe = "Failed to unsubscribe"
	ErrFailedJoinRoom    = "Failed to join room"
	ErrFailedLeaveRoom   = "Failed to leave room"
	ErrMalformedCommand  = "Malformed command"
	ErrUnknownCommand    = "Unknown command"
	ErrMissingIdentity   = "userId and sessionId are required"
	ErrInvalidEvent      = "Invalid event payload"
)

// Frame is the single wire envelope for both directions: a command/event
// name plus a JSON payload object.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newFrame marshals payload and wraps it in a Frame. A payload that cannot
// be marshaled is a programming error; the frame is returned with an empty
// payload in that case so the client still gets its response.
func newFrame(frameType string, payload interface{}) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{Type: frameType}
	}
	return Frame{Type: frameType, Payload: raw}
}

// AuthenticatePayload carries the opaque identity the client presents.
// The gateway records it without verifying it; token verification belongs
// to the storefront's auth service upstream.
type AuthenticatePayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// ChannelPayload names a channel for subscribe/unsubscribe.
type ChannelPayload struct {
	ChannelName string `json:"channelName"`
}

// RoomPayload names a room for join_room/leave_room.
type RoomPayload struct {
	RoomName string `json:"roomName"`
}

// CustomEventPayload carries a client-originated event. When Target names a
// room the event is routed there; otherwise it fans out only to the
// channels the sending connection is itself subscribed to.
type CustomEventPayload struct {
	Event  Event  `json:"event"`
	Target string `json:"target,omitempty"`
}

// AuthResult answers an authenticate command.
type AuthResult struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ChannelResult answers subscribe/unsubscribe.
type ChannelResult struct {
	Success     bool   `json:"success"`
	ChannelName string `json:"channelName,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RoomResult answers join_room/leave_room.
type RoomResult struct {
	Success  bool   `json:"success"`
	RoomName string `json:"roomName,omitempty"`
	Action   string `json:"action,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CustomEventResult answers custom_event with the number of connections the
// event was handed off to.
type CustomEventResult struct {
	Success    bool   `json:"success"`
	Recipients int    `json:"recipients"`
	Error      string `json:"error,omitempty"`
}

// PongPayload answers ping.
type PongPayload struct {
	Timestamp string `json:"timestamp"`
}

// ErrorResult is the typed rejection for frames that cannot be decoded or
// name no known command.
type ErrorResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// EventEnvelope is the unsolicited server-to-client delivery format,
// carried on MsgRealtimeEvent frames.
type EventEnvelope struct {
	Event     Event  `json:"event"`
	Timestamp string `json:"timestamp"`
}

// envelopeFrame wraps an event with a server-assigned delivery timestamp.
func envelopeFrame(ev Event) Frame {
	return newFrame(MsgRealtimeEvent, EventEnvelope{
		Event:     ev,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
