// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/avelinehq/storefront-realtime/internal/logging"
	"github.com/avelinehq/storefront-realtime/internal/metrics"
)

// sender is the delivery endpoint for one connection. trySend must never
// block: a full or closed endpoint reports false and the event is dropped
// for that recipient only.
type sender interface {
	trySend(f Frame) bool
	closeSend()
}

// Delivery scopes, used for metrics labels.
const (
	scopeChannel = "channel"
	scopeRoom    = "room"
	scopeUser    = "user"
	scopeGlobal  = "global"
)

// Hub is the channel/room pub-sub core: it owns the membership maps and
// fans events out to the live connections in a group.
//
// The channel and room maps hold sets of connection IDs and are the
// authoritative membership record; each Session carries a mirrored set for
// O(memberships) disconnect cleanup. Every mutation updates both under mu.
//
// A connection counts as live for membership mutations only while it is
// present in conns AND still registered: a subscribe racing a disconnect
// can therefore never leave an orphaned membership, whichever side takes
// mu first.
//
// Fan-out copies the recipient set under a read lock, then hands the frame
// to each recipient's buffered send queue outside the lock. A slow recipient
// loses the event; it never delays the others.
type Hub struct {
	registry *Registry

	mu       sync.RWMutex
	conns    map[string]sender
	channels map[string]map[string]struct{}
	rooms    map[string]map[string]struct{}

	// Atomic counts back the status snapshot without touching mu.
	connCount    atomic.Int64
	channelCount atomic.Int64
	roomCount    atomic.Int64
}

// NewHub creates a hub backed by the given registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		conns:    make(map[string]sender),
		channels: make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Attach binds a registered connection ID to its delivery endpoint. Called
// by the gateway once a session authenticates.
func (h *Hub) Attach(connectionID string, s sender) {
	h.mu.Lock()
	h.conns[connectionID] = s
	total := len(h.conns)
	h.mu.Unlock()

	h.connCount.Store(int64(total))
	logging.Info().Int("total_connections", total).Msg("realtime connection registered")
}

// Subscribe adds the connection to a channel's member set. Returns false
// only if the connection is not a known registered session; subscribing
// twice is a no-op success.
func (h *Hub) Subscribe(connectionID, channelName string) bool {
	return h.addMembership(connectionID, channelName, h.channels, &h.channelCount, metrics.ChannelsActive, sessionChannels)
}

// Unsubscribe removes the membership. Success even if not currently a
// member; false only for an unknown connection.
func (h *Hub) Unsubscribe(connectionID, channelName string) bool {
	return h.removeMembership(connectionID, channelName, h.channels, &h.channelCount, metrics.ChannelsActive, sessionChannels)
}

// JoinRoom adds the connection to a room's member set. Same contract as
// Subscribe, on the room namespace.
func (h *Hub) JoinRoom(connectionID, roomName string) bool {
	return h.addMembership(connectionID, roomName, h.rooms, &h.roomCount, metrics.RoomsActive, sessionRooms)
}

// LeaveRoom removes the room membership. Same contract as Unsubscribe.
func (h *Hub) LeaveRoom(connectionID, roomName string) bool {
	return h.removeMembership(connectionID, roomName, h.rooms, &h.roomCount, metrics.RoomsActive, sessionRooms)
}

// sessionChannels and sessionRooms select which mirror set on a Session a
// membership mutation maintains.
func sessionChannels(s *Session) map[string]struct{} { return s.Channels }
func sessionRooms(s *Session) map[string]struct{}    { return s.Rooms }

type gauge interface{ Set(float64) }

func (h *Hub) addMembership(connectionID, name string, groups map[string]map[string]struct{}, count *atomic.Int64, g gauge, mirror func(*Session) map[string]struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[connectionID]; !live {
		return false
	}
	// The registry entry can be gone while conns still holds the ID: a
	// Disconnect racing this call removes the session first and takes mu
	// after. Mutating the group map without its mirror would orphan the
	// membership forever, so such a connection is treated as already dead.
	sess, ok := h.registry.Get(connectionID)
	if !ok {
		return false
	}

	members, exists := groups[name]
	if !exists {
		members = make(map[string]struct{})
		groups[name] = members
		count.Store(int64(len(groups)))
		g.Set(float64(len(groups)))
	}
	members[connectionID] = struct{}{}
	mirror(sess)[name] = struct{}{}
	return true
}

func (h *Hub) removeMembership(connectionID, name string, groups map[string]map[string]struct{}, count *atomic.Int64, g gauge, mirror func(*Session) map[string]struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[connectionID]; !live {
		return false
	}
	// Same liveness rule as addMembership: no registry entry means a
	// disconnect is in flight and will prune the memberships itself.
	sess, ok := h.registry.Get(connectionID)
	if !ok {
		return false
	}

	if members, exists := groups[name]; exists {
		delete(members, connectionID)
		// Empty groups are deleted immediately: rooms are per-entity and
		// short-lived, so retaining empty sets would grow without bound in a
		// long-lived process.
		if len(members) == 0 {
			delete(groups, name)
			count.Store(int64(len(groups)))
			g.Set(float64(len(groups)))
		}
	}

	delete(mirror(sess), name)
	return true
}

// Disconnect removes the connection from the registry and prunes every
// channel and room membership it held. Idempotent; unknown IDs are no-ops.
func (h *Hub) Disconnect(connectionID string) {
	sess, _ := h.registry.Disconnect(connectionID)

	h.mu.Lock()
	s, live := h.conns[connectionID]
	delete(h.conns, connectionID)
	h.connCount.Store(int64(len(h.conns)))

	if sess != nil {
		for name := range sess.Channels {
			h.pruneLocked(h.channels, name, connectionID, &h.channelCount, metrics.ChannelsActive)
		}
		for name := range sess.Rooms {
			h.pruneLocked(h.rooms, name, connectionID, &h.roomCount, metrics.RoomsActive)
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if live {
		s.closeSend()
		logging.Info().Int("total_connections", total).Msg("realtime connection removed")
	}
}

// pruneLocked removes one membership during disconnect. Caller holds mu.
func (h *Hub) pruneLocked(groups map[string]map[string]struct{}, name, connectionID string, count *atomic.Int64, g gauge) {
	members, exists := groups[name]
	if !exists {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(groups, name)
		count.Store(int64(len(groups)))
		g.Set(float64(len(groups)))
	}
}

// BroadcastToChannel delivers the event to every connection currently
// subscribed to the channel and returns the number of connections the event
// was handed off to. Zero subscribers returns 0, not an error.
func (h *Hub) BroadcastToChannel(channelName string, ev Event) int {
	start := time.Now()
	h.mu.RLock()
	targets := h.collectLocked(h.channels[channelName])
	h.mu.RUnlock()
	return h.deliver(targets, ev, scopeChannel, start)
}

// SendToRoom delivers the event to every member of the room. Same contract
// as BroadcastToChannel.
func (h *Hub) SendToRoom(roomName string, ev Event) int {
	start := time.Now()
	h.mu.RLock()
	targets := h.collectLocked(h.rooms[roomName])
	h.mu.RUnlock()
	return h.deliver(targets, ev, scopeRoom, start)
}

// SendToUser delivers the event to every live connection authenticated as
// userID. A user with several tabs or devices receives the event on each.
func (h *Hub) SendToUser(userID string, ev Event) int {
	start := time.Now()
	ids := h.registry.ConnectionIDsForUser(userID)

	h.mu.RLock()
	targets := make([]sender, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.conns[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, ev, scopeUser, start)
}

// BroadcastGlobal delivers the event to every registered connection
// regardless of channel or room membership.
func (h *Hub) BroadcastGlobal(ev Event) int {
	start := time.Now()
	h.mu.RLock()
	targets := make([]sender, 0, len(h.conns))
	for _, s := range h.conns {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	return h.deliver(targets, ev, scopeGlobal, start)
}

// BroadcastToOwnChannels delivers the event to the union of the subscribers
// of every channel the sending connection is itself subscribed to. This is
// the targetless custom_event path: a client can only reach channels it has
// joined, never unrelated ones.
func (h *Hub) BroadcastToOwnChannels(connectionID string, ev Event) int {
	start := time.Now()
	sess, ok := h.registry.Get(connectionID)
	if !ok {
		return 0
	}

	h.mu.RLock()
	seen := make(map[string]struct{})
	var targets []sender
	for channel := range sess.Channels {
		for id := range h.channels[channel] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if s, live := h.conns[id]; live {
				targets = append(targets, s)
			}
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, ev, scopeChannel, start)
}

// collectLocked resolves a membership set to live senders. Caller holds mu
// for reading.
func (h *Hub) collectLocked(members map[string]struct{}) []sender {
	if len(members) == 0 {
		return nil
	}
	targets := make([]sender, 0, len(members))
	for id := range members {
		if s, ok := h.conns[id]; ok {
			targets = append(targets, s)
		}
	}
	return targets
}

// deliver hands the event to each target's send queue. Fire-and-forget:
// a recipient whose queue is full loses this event, and delivery to the
// remaining recipients continues.
func (h *Hub) deliver(targets []sender, ev Event, scope string, start time.Time) int {
	if len(targets) == 0 {
		return 0
	}

	frame := envelopeFrame(ev.Normalize())
	dropped := 0
	for _, s := range targets {
		if !s.trySend(frame) {
			dropped++
			metrics.RecordDrop("slow_consumer")
		}
	}
	if dropped > 0 {
		logging.Warn().
			Int("dropped", dropped).
			Int("recipients", len(targets)).
			Str("scope", scope).
			Str("event_type", string(ev.Type)).
			Msg("send queue full, dropping event for slow consumers")
	}

	metrics.RecordDelivery(scope, len(targets))
	metrics.ObserveFanout(start)
	return len(targets)
}

// ConnectionCount returns the number of attached connections without
// touching the membership lock.
func (h *Hub) ConnectionCount() int { return int(h.connCount.Load()) }

// ChannelCount returns the number of channels with at least one subscriber.
func (h *Hub) ChannelCount() int { return int(h.channelCount.Load()) }

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int { return int(h.roomCount.Load()) }

// SubscriberCount returns the current size of a channel's member set.
func (h *Hub) SubscriberCount(channelName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelName])
}

// RoomMemberCount returns the current size of a room's member set.
func (h *Hub) RoomMemberCount(roomName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomName])
}

// Shutdown closes every attached connection's send path and clears all
// membership state. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	closed := len(h.conns)
	for _, s := range h.conns {
		s.closeSend()
	}
	h.conns = make(map[string]sender)
	h.channels = make(map[string]map[string]struct{})
	h.rooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	h.connCount.Store(0)
	h.channelCount.Store(0)
	h.roomCount.Store(0)
	metrics.ChannelsActive.Set(0)
	metrics.RoomsActive.Set(0)

	if closed > 0 {
		logging.Info().Int("connections_closed", closed).Msg("closed all realtime connections during shutdown")
	}
}
