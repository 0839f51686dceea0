// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/avelinehq/storefront-realtime/internal/metrics"
)

// Session is the server-side record of one registered client connection:
// its opaque identity plus its current channel and room memberships.
//
// The Channels and Rooms sets are a cached mirror of the hub's membership
// maps for fast disconnect cleanup; the hub's maps are authoritative and
// both are mutated together under the hub's lock on every change.
type Session struct {
	// SessionID is the client-chosen opaque identifier, stable for the
	// connection's lifetime.
	SessionID string

	// ConnectionID is assigned at registration and keys every registry and
	// membership lookup.
	ConnectionID string

	// UserID is the opaque identity presented at authenticate. The gateway
	// records it without verifying it.
	UserID string

	// Channels holds the channel names this session is subscribed to.
	Channels map[string]struct{}

	// Rooms holds the room names this session belongs to.
	Rooms map[string]struct{}
}

// Registry tracks registered sessions and provides O(1) lookup from
// connection ID to session state, plus a userID index so delivery to all of
// a user's devices does not scan every connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// users maps a userID to the set of its live connection IDs. One user
	// with several tabs or devices has several entries in the set.
	users map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]struct{}),
	}
}

// Connect creates and returns a new registered session with a fresh unique
// connection ID. It never fails; an empty userID produces a session that is
// simply unreachable via SendToUser.
func (r *Registry) Connect(sessionID, userID string) *Session {
	sess := &Session{
		SessionID:    sessionID,
		ConnectionID: uuid.NewString(),
		UserID:       userID,
		Channels:     make(map[string]struct{}),
		Rooms:        make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[sess.ConnectionID] = sess
	if userID != "" {
		if r.users[userID] == nil {
			r.users[userID] = make(map[string]struct{})
		}
		r.users[userID][sess.ConnectionID] = struct{}{}
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	return sess
}

// Disconnect removes the session record and returns it for membership
// cleanup. Idempotent: an unknown connection ID returns (nil, false) and
// changes nothing. Late disconnects for already-removed sessions are
// expected and harmless.
func (r *Registry) Disconnect(connectionID string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, connectionID)
	if sess.UserID != "" {
		if conns := r.users[sess.UserID]; conns != nil {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(r.users, sess.UserID)
			}
		}
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	metrics.DisconnectsTotal.Inc()
	return sess, true
}

// Get returns the session for a connection ID.
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	return sess, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnectionIDsForUser returns the connection IDs of every live session
// belonging to userID.
func (r *Registry) ConnectionIDsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// Clear removes every session. Used by gateway shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.users = make(map[string]map[string]struct{})
	r.mu.Unlock()

	metrics.ConnectionsActive.Sub(float64(n))
}
