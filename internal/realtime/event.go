// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"github.com/goccy/go-json"
)

// EventType tags the kind of a realtime event. Known kinds cover the
// storefront's own notifications; EventCustom carries anything a client or
// an external source wants to push through unchanged.
type EventType string

const (
	EventOrderUpdate   EventType = "order_update"
	EventStockUpdate   EventType = "stock_update"
	EventPriceUpdate   EventType = "price_update"
	EventCartSync      EventType = "cart_sync"
	EventContentUpdate EventType = "content_update"
	EventAnnouncement  EventType = "announcement"
	EventCustom        EventType = "custom"
)

// knownEventTypes is the closed set of event kinds the gateway understands.
var knownEventTypes = map[EventType]struct{}{
	EventOrderUpdate:   {},
	EventStockUpdate:   {},
	EventPriceUpdate:   {},
	EventCartSync:      {},
	EventContentUpdate: {},
	EventAnnouncement:  {},
	EventCustom:        {},
}

// Known reports whether t is one of the gateway's defined event kinds.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Event is the unit of delivery: a type tag plus an opaque structured
// payload. Events are not persisted; they exist only for the duration of
// one fan-out.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Normalize maps unrecognized type tags onto EventCustom so downstream
// consumers can switch exhaustively over known kinds.
func (e Event) Normalize() Event {
	if e.Type.Known() {
		return e
	}
	return Event{Type: EventCustom, Data: e.Data}
}

// NewEvent builds an Event from any JSON-serializable payload.
func NewEvent(t EventType, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Data: raw}, nil
}
