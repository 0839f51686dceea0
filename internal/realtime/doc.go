// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package realtime implements the event distribution core: a connection
// registry, a channel/room pub-sub hub, and the websocket gateway that
// drives both from decoded client commands.
//
// # Components
//
//   - Registry: maps connection IDs to Session records (identity plus
//     membership mirrors) and indexes connections by user ID.
//   - Hub: owns the channel and room membership sets and fans events out to
//     the live connections in a group. Set-based membership keeps
//     subscribe, unsubscribe and per-recipient fan-out O(1) amortized.
//   - Gateway: terminates websocket connections, runs the per-connection
//     anonymous -> authenticated -> disconnected state machine, and answers
//     every command with exactly one response frame.
//   - EventBridge: forwards messages from an external NATS subject tree
//     into the hub, so server-side systems can reach connected clients
//     without holding a websocket themselves.
//
// # Wire protocol
//
// Both directions use one envelope:
//
//	{"type": "<command or event name>", "payload": {...}}
//
// Clients send authenticate, subscribe, unsubscribe, join_room, leave_room,
// custom_event and ping. The server answers each on a frame of the same
// type, and pushes unsolicited deliveries as:
//
//	{"type": "realtime_event", "payload": {"event": {...}, "timestamp": "<RFC3339>"}}
//
// # Delivery semantics
//
// Delivery is at-most-once, best-effort. Events published to the same
// channel reach a given recipient in publish order (one buffered queue per
// connection); no ordering holds across channels or across recipients. A
// recipient whose queue is full loses the event without delaying anyone
// else. Events are never persisted.
package realtime
