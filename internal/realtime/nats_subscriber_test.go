// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// fakeSource is an in-memory MessageSource for bridge tests.
type fakeSource struct {
	messages chan SourceMessage
	subject  string
	closed   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan SourceMessage, 16)}
}

func (f *fakeSource) Subscribe(_ context.Context, subject string) (<-chan SourceMessage, error) {
	f.subject = subject
	return f.messages, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// brokenSource fails every subscription attempt.
type brokenSource struct{}

func (brokenSource) Subscribe(context.Context, string) (<-chan SourceMessage, error) {
	return nil, errors.New("connection refused")
}

func (brokenSource) Close() error { return nil }

// bridgeFixture wires a gateway with one subscriber on channel "orders" and
// a running bridge over a fake source.
func bridgeFixture(t *testing.T) (*Gateway, *fakeSender, *fakeSource, *EventBridge) {
	t.Helper()
	g := newTestGateway()

	sess := g.registry.Connect("s1", "u1")
	fs := &fakeSender{}
	g.hub.Attach(sess.ConnectionID, fs)
	g.hub.Subscribe(sess.ConnectionID, "orders")

	source := newFakeSource()
	bridge := NewEventBridge(g, source, "storefront.events")
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}
	t.Cleanup(bridge.Stop)
	return g, fs, source, bridge
}

// awaitFrames polls until fs holds want frames or the deadline passes.
func awaitFrames(t *testing.T, fs *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fs.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("received %d frames, want %d", fs.count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBridge_SubscribesToWildcard(t *testing.T) {
	_, _, source, _ := bridgeFixture(t)
	if source.subject != "storefront.events.>" {
		t.Errorf("subscribed subject = %q, want storefront.events.>", source.subject)
	}
}

func TestEventBridge_ForwardsEventToChannel(t *testing.T) {
	_, fs, source, _ := bridgeFixture(t)

	body, _ := json.Marshal(Event{Type: EventOrderUpdate, Data: json.RawMessage(`{"id":7}`)})
	source.messages <- SourceMessage{Subject: "storefront.events.orders", Data: body}

	awaitFrames(t, fs, 1)
	env := fs.lastEnvelope(t)
	if env.Event.Type != EventOrderUpdate {
		t.Errorf("forwarded event type = %q, want %q", env.Event.Type, EventOrderUpdate)
	}
}

func TestEventBridge_WrapsNonEventBody(t *testing.T) {
	_, fs, source, _ := bridgeFixture(t)

	source.messages <- SourceMessage{Subject: "storefront.events.orders", Data: []byte(`plain text, not json`)}

	awaitFrames(t, fs, 1)
	env := fs.lastEnvelope(t)
	if env.Event.Type != EventCustom {
		t.Errorf("wrapped event type = %q, want %q", env.Event.Type, EventCustom)
	}
	if string(env.Event.Data) == "" {
		t.Error("raw body lost when wrapping as custom event")
	}
}

func TestEventBridge_IgnoresUnroutableSubjects(t *testing.T) {
	_, fs, source, _ := bridgeFixture(t)

	// Wrong tree entirely: no prefix match, so no channel can be derived.
	source.messages <- SourceMessage{Subject: "other.tree.orders", Data: []byte(`{}`)}
	// Nested subject: routes to channel "a.b", which has no subscribers.
	source.messages <- SourceMessage{Subject: "storefront.events.a.b", Data: []byte(`{}`)}

	// A routable message afterwards proves the loop is still alive.
	body, _ := json.Marshal(Event{Type: EventStockUpdate})
	source.messages <- SourceMessage{Subject: "storefront.events.orders", Data: body}

	awaitFrames(t, fs, 1)
	if fs.count() != 1 {
		t.Errorf("received %d frames, want 1 (unroutable subjects must be dropped)", fs.count())
	}
}

func TestEventBridge_StartIsIdempotent(t *testing.T) {
	_, _, _, bridge := bridgeFixture(t)
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
}

func TestEventBridge_StopAfterFailedStart(t *testing.T) {
	g := newTestGateway()
	bridge := NewEventBridge(g, brokenSource{}, "storefront.events")

	if err := bridge.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a broken source")
	}

	// The forwarding loop never ran, so Stop must return immediately
	// instead of waiting for it.
	done := make(chan struct{})
	go func() {
		bridge.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}
}

func TestEventBridge_StartRetriesAfterFailure(t *testing.T) {
	g := newTestGateway()
	source := newFakeSource()
	bridge := NewEventBridge(g, brokenSource{}, "storefront.events")

	if err := bridge.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a broken source")
	}

	// A failed Start leaves the bridge stopped, so a retry against a
	// healthy source proceeds.
	bridge.source = source
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("retried Start failed: %v", err)
	}
	if source.subject != "storefront.events.>" {
		t.Errorf("retry subscribed to %q, want storefront.events.>", source.subject)
	}
	bridge.Stop()
}

func TestEventBridge_StopWaitsForLoop(t *testing.T) {
	g := newTestGateway()
	source := newFakeSource()
	bridge := NewEventBridge(g, source, "storefront.events")
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}

	done := make(chan struct{})
	go func() {
		bridge.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop on a stopped bridge is a no-op.
	bridge.Stop()
}
