// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

// fakeSender collects frames in memory. full simulates a slow consumer
// whose queue never accepts anything.
type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (f *fakeSender) trySend(frame Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSender) closeSend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) lastEnvelope(t *testing.T) EventEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("no frames delivered")
	}
	frame := f.frames[len(f.frames)-1]
	if frame.Type != MsgRealtimeEvent {
		t.Fatalf("frame type = %q, want %q", frame.Type, MsgRealtimeEvent)
	}
	var env EventEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

func newTestHub() (*Hub, *Registry) {
	reg := NewRegistry()
	return NewHub(reg), reg
}

// connect registers a session and attaches a fake sender.
func connect(hub *Hub, reg *Registry, userID string) (string, *fakeSender) {
	sess := reg.Connect("sess-"+userID, userID)
	fs := &fakeSender{}
	hub.Attach(sess.ConnectionID, fs)
	return sess.ConnectionID, fs
}

func testEvent(t *testing.T, evType EventType) Event {
	t.Helper()
	ev, err := NewEvent(evType, map[string]interface{}{"id": 42})
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return ev
}

func TestHub_SubscribeIdempotent(t *testing.T) {
	hub, reg := newTestHub()
	conn, _ := connect(hub, reg, "u1")

	if !hub.Subscribe(conn, "orders") {
		t.Fatal("first subscribe failed")
	}
	if !hub.Subscribe(conn, "orders") {
		t.Fatal("second subscribe failed")
	}
	if got := hub.SubscriberCount("orders"); got != 1 {
		t.Errorf("subscriber count = %d, want 1 after duplicate subscribe", got)
	}
}

func TestHub_SubscribeUnknownConnection(t *testing.T) {
	hub, _ := newTestHub()

	if hub.Subscribe("no-such-connection", "orders") {
		t.Error("subscribe succeeded for unknown connection")
	}
	if hub.SubscriberCount("orders") != 0 {
		t.Error("membership recorded for unknown connection")
	}
}

func TestHub_MembershipRequiresRegisteredSession(t *testing.T) {
	hub, reg := newTestHub()
	conn, _ := connect(hub, reg, "u1")

	// A disconnect in flight removes the registry entry before the hub
	// lock is taken; a membership call landing in that window must refuse
	// rather than create an entry nothing will ever prune.
	reg.Disconnect(conn)

	if hub.Subscribe(conn, "orders") {
		t.Error("subscribe succeeded for a deregistered session")
	}
	if hub.JoinRoom(conn, "order-42") {
		t.Error("join succeeded for a deregistered session")
	}
	if hub.Unsubscribe(conn, "orders") {
		t.Error("unsubscribe succeeded for a deregistered session")
	}
	if hub.LeaveRoom(conn, "order-42") {
		t.Error("leave succeeded for a deregistered session")
	}
	if hub.ChannelCount() != 0 || hub.RoomCount() != 0 {
		t.Errorf("orphaned groups created: channels=%d rooms=%d", hub.ChannelCount(), hub.RoomCount())
	}

	// The rest of the disconnect cascade still runs cleanly.
	hub.Disconnect(conn)
	if hub.ConnectionCount() != 0 {
		t.Errorf("connection count = %d, want 0", hub.ConnectionCount())
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub, reg := newTestHub()
	conn, _ := connect(hub, reg, "u1")

	// Not a member yet: still success.
	if !hub.Unsubscribe(conn, "orders") {
		t.Error("unsubscribe of non-member failed")
	}

	hub.Subscribe(conn, "orders")
	if !hub.Unsubscribe(conn, "orders") {
		t.Error("unsubscribe failed")
	}
	if !hub.Unsubscribe(conn, "orders") {
		t.Error("repeated unsubscribe failed")
	}
	if hub.SubscriberCount("orders") != 0 {
		t.Error("membership remains after unsubscribe")
	}
}

func TestHub_EmptyGroupsAreDeleted(t *testing.T) {
	hub, reg := newTestHub()
	conn, _ := connect(hub, reg, "u1")

	hub.Subscribe(conn, "orders")
	hub.JoinRoom(conn, "order-42")
	if hub.ChannelCount() != 1 || hub.RoomCount() != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", hub.ChannelCount(), hub.RoomCount())
	}

	hub.Unsubscribe(conn, "orders")
	hub.LeaveRoom(conn, "order-42")
	if hub.ChannelCount() != 0 || hub.RoomCount() != 0 {
		t.Errorf("empty groups retained: channels=%d rooms=%d", hub.ChannelCount(), hub.RoomCount())
	}
}

func TestHub_DisconnectCleansAllMemberships(t *testing.T) {
	hub, reg := newTestHub()
	conn, _ := connect(hub, reg, "u1")
	other, otherSender := connect(hub, reg, "u2")

	hub.Subscribe(conn, "a")
	hub.Subscribe(conn, "b")
	hub.JoinRoom(conn, "r")
	hub.Subscribe(other, "a")

	hub.Disconnect(conn)

	if got := hub.SubscriberCount("a"); got != 1 {
		t.Errorf("channel a count = %d, want 1", got)
	}
	if got := hub.SubscriberCount("b"); got != 0 {
		t.Errorf("channel b count = %d, want 0", got)
	}
	if got := hub.RoomMemberCount("r"); got != 0 {
		t.Errorf("room r count = %d, want 0", got)
	}
	if _, ok := reg.Get(conn); ok {
		t.Error("registry still holds the disconnected session")
	}

	// Subsequent broadcasts never reach the disconnected connection.
	ev := testEvent(t, EventOrderUpdate)
	if got := hub.BroadcastToChannel("a", ev); got != 1 {
		t.Errorf("broadcast to a = %d recipients, want 1", got)
	}
	if got := hub.BroadcastToChannel("b", ev); got != 0 {
		t.Errorf("broadcast to b = %d recipients, want 0", got)
	}
	if got := hub.SendToRoom("r", ev); got != 0 {
		t.Errorf("send to r = %d recipients, want 0", got)
	}
	if otherSender.count() != 1 {
		t.Errorf("surviving subscriber received %d frames, want 1", otherSender.count())
	}

	// Disconnect is idempotent.
	hub.Disconnect(conn)
}

func TestHub_BroadcastToChannelFanout(t *testing.T) {
	hub, reg := newTestHub()

	var senders []*fakeSender
	for _, u := range []string{"u1", "u2", "u3"} {
		conn, fs := connect(hub, reg, u)
		hub.Subscribe(conn, "orders")
		senders = append(senders, fs)
	}
	outsider, outsiderSender := connect(hub, reg, "u4")
	_ = outsider

	ev := testEvent(t, EventOrderUpdate)
	if got := hub.BroadcastToChannel("orders", ev); got != 3 {
		t.Errorf("recipients = %d, want 3", got)
	}
	for i, fs := range senders {
		if fs.count() != 1 {
			t.Errorf("subscriber %d received %d frames, want 1", i, fs.count())
		}
		env := fs.lastEnvelope(t)
		if env.Event.Type != EventOrderUpdate {
			t.Errorf("event type = %q, want %q", env.Event.Type, EventOrderUpdate)
		}
		if env.Timestamp == "" {
			t.Error("envelope missing timestamp")
		}
	}
	if outsiderSender.count() != 0 {
		t.Error("non-subscriber received the broadcast")
	}
}

func TestHub_BroadcastToEmptyChannel(t *testing.T) {
	hub, _ := newTestHub()
	if got := hub.BroadcastToChannel("ghost", testEvent(t, EventAnnouncement)); got != 0 {
		t.Errorf("recipients = %d, want 0 for empty channel", got)
	}
}

func TestHub_SendToRoom(t *testing.T) {
	hub, reg := newTestHub()
	a, aSender := connect(hub, reg, "u1")
	b, bSender := connect(hub, reg, "u2")

	hub.JoinRoom(a, "order-42")
	hub.JoinRoom(b, "order-42")

	if got := hub.SendToRoom("order-42", testEvent(t, EventOrderUpdate)); got != 2 {
		t.Errorf("recipients = %d, want 2", got)
	}
	if aSender.count() != 1 || bSender.count() != 1 {
		t.Errorf("room members received (%d, %d) frames, want (1, 1)", aSender.count(), bSender.count())
	}

	hub.LeaveRoom(b, "order-42")
	if got := hub.SendToRoom("order-42", testEvent(t, EventOrderUpdate)); got != 1 {
		t.Errorf("recipients after leave = %d, want 1", got)
	}
	if bSender.count() != 1 {
		t.Error("departed member still receiving room events")
	}
}

func TestHub_SendToUserMultiDevice(t *testing.T) {
	hub, reg := newTestHub()
	_, tab := connect(hub, reg, "u1")
	sess2 := reg.Connect("sess-phone", "u1")
	phone := &fakeSender{}
	hub.Attach(sess2.ConnectionID, phone)
	_, otherUser := connect(hub, reg, "u2")

	if got := hub.SendToUser("u1", testEvent(t, EventCartSync)); got != 2 {
		t.Errorf("recipients = %d, want 2 (both devices)", got)
	}
	if tab.count() != 1 || phone.count() != 1 {
		t.Errorf("devices received (%d, %d) frames, want (1, 1)", tab.count(), phone.count())
	}
	if otherUser.count() != 0 {
		t.Error("unrelated user received the event")
	}

	if got := hub.SendToUser("nobody", testEvent(t, EventCartSync)); got != 0 {
		t.Errorf("recipients for unknown user = %d, want 0", got)
	}
}

func TestHub_BroadcastGlobal(t *testing.T) {
	hub, reg := newTestHub()
	_, a := connect(hub, reg, "u1")
	_, b := connect(hub, reg, "u2")

	if got := hub.BroadcastGlobal(testEvent(t, EventAnnouncement)); got != 2 {
		t.Errorf("recipients = %d, want 2", got)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("connections received (%d, %d) frames, want (1, 1)", a.count(), b.count())
	}
}

func TestHub_BroadcastToOwnChannelsIsolation(t *testing.T) {
	hub, reg := newTestHub()
	sender, senderFS := connect(hub, reg, "u1")
	aSub, aFS := connect(hub, reg, "u2")
	bSub, bFS := connect(hub, reg, "u3")

	hub.Subscribe(sender, "a")
	hub.Subscribe(aSub, "a")
	hub.Subscribe(bSub, "b")

	got := hub.BroadcastToOwnChannels(sender, testEvent(t, EventCustom))
	if got != 2 {
		t.Errorf("recipients = %d, want 2 (channel a members only)", got)
	}
	if bFS.count() != 0 {
		t.Error("channel b subscriber received an event from an unrelated sender")
	}
	if aFS.count() != 1 {
		t.Errorf("channel a subscriber received %d frames, want 1", aFS.count())
	}
	// The sender is a member of channel a and receives its own event.
	if senderFS.count() != 1 {
		t.Errorf("sender received %d frames, want 1", senderFS.count())
	}
}

func TestHub_BroadcastToOwnChannelsDeduplicates(t *testing.T) {
	hub, reg := newTestHub()
	sender, _ := connect(hub, reg, "u1")
	both, bothFS := connect(hub, reg, "u2")

	hub.Subscribe(sender, "a")
	hub.Subscribe(sender, "b")
	hub.Subscribe(both, "a")
	hub.Subscribe(both, "b")

	got := hub.BroadcastToOwnChannels(sender, testEvent(t, EventCustom))
	if got != 2 {
		t.Errorf("recipients = %d, want 2 (dedup across overlapping channels)", got)
	}
	if bothFS.count() != 1 {
		t.Errorf("overlapping subscriber received %d frames, want exactly 1", bothFS.count())
	}
}

func TestHub_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	hub, reg := newTestHub()
	slow, slowFS := connect(hub, reg, "u1")
	fast, fastFS := connect(hub, reg, "u2")
	slowFS.full = true

	hub.Subscribe(slow, "orders")
	hub.Subscribe(fast, "orders")

	// Handed off to both; the slow consumer drops, the fast one receives.
	if got := hub.BroadcastToChannel("orders", testEvent(t, EventOrderUpdate)); got != 2 {
		t.Errorf("recipients = %d, want 2", got)
	}
	if fastFS.count() != 1 {
		t.Errorf("fast consumer received %d frames, want 1", fastFS.count())
	}
	if slowFS.count() != 0 {
		t.Errorf("slow consumer unexpectedly received %d frames", slowFS.count())
	}
}

func TestHub_UnknownTypeNormalizedToCustom(t *testing.T) {
	hub, reg := newTestHub()
	conn, fs := connect(hub, reg, "u1")
	hub.Subscribe(conn, "misc")

	hub.BroadcastToChannel("misc", Event{Type: "made_up_kind", Data: json.RawMessage(`{"x":1}`)})
	env := fs.lastEnvelope(t)
	if env.Event.Type != EventCustom {
		t.Errorf("event type = %q, want %q", env.Event.Type, EventCustom)
	}
}

func TestHub_Shutdown(t *testing.T) {
	hub, reg := newTestHub()
	conn, fs := connect(hub, reg, "u1")
	hub.Subscribe(conn, "orders")
	hub.JoinRoom(conn, "order-42")

	hub.Shutdown()

	if !fs.closed {
		t.Error("sender not closed by Shutdown")
	}
	if hub.ConnectionCount() != 0 || hub.ChannelCount() != 0 || hub.RoomCount() != 0 {
		t.Errorf("state survived Shutdown: conns=%d channels=%d rooms=%d",
			hub.ConnectionCount(), hub.ChannelCount(), hub.RoomCount())
	}
	if got := hub.BroadcastToChannel("orders", testEvent(t, EventOrderUpdate)); got != 0 {
		t.Errorf("broadcast after Shutdown reached %d recipients", got)
	}

	// Safe to call again.
	hub.Shutdown()
}

func TestHub_ConcurrentSubscribeAndBroadcast(t *testing.T) {
	hub, reg := newTestHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		conn, _ := connect(hub, reg, "u")
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Subscribe(id, "orders")
				hub.BroadcastToChannel("orders", Event{Type: EventOrderUpdate})
				hub.Unsubscribe(id, "orders")
			}
		}(conn)
	}
	wg.Wait()

	if got := hub.SubscriberCount("orders"); got != 0 {
		t.Errorf("subscriber count after churn = %d, want 0", got)
	}
}
