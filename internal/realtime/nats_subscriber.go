// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/avelinehq/storefront-realtime/internal/logging"
	"github.com/avelinehq/storefront-realtime/internal/validation"
)

// SourceMessage is one message from an external event source, carrying the
// subject it arrived on so the bridge can derive the target channel.
type SourceMessage struct {
	Subject string
	Data    []byte
}

// MessageSource abstracts the broker connection so the bridge can be tested
// against an in-memory fake.
type MessageSource interface {
	// Subscribe subscribes to a subject pattern and returns a channel of
	// messages. The channel may stop producing when ctx is canceled.
	Subscribe(ctx context.Context, subject string) (<-chan SourceMessage, error)
	// Close releases the underlying connection.
	Close() error
}

// NATSSource is the production MessageSource backed by a core NATS
// connection.
type NATSSource struct {
	nc *nats.Conn
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, name string) (*NATSSource, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSSource{nc: nc}, nil
}

// Subscribe subscribes to subject and forwards messages until ctx is
// canceled. A full forwarding buffer drops the message; event delivery is
// best-effort end to end.
func (s *NATSSource) Subscribe(ctx context.Context, subject string) (<-chan SourceMessage, error) {
	ch := make(chan SourceMessage, 256)
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		select {
		case ch <- SourceMessage{Subject: m.Subject, Data: m.Data}:
		default:
			logging.Warn().Str("subject", m.Subject).Msg("event source buffer full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return ch, nil
}

// Close drains and closes the NATS connection.
func (s *NATSSource) Close() error {
	return s.nc.Drain()
}

// EventBridge forwards events from an external source into the gateway.
// A message on "<prefix>.orders" is published to channel "orders"; the
// message body is decoded as an Event, or wrapped as a custom event when it
// is not one.
type EventBridge struct {
	gateway *Gateway
	source  MessageSource
	prefix  string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEventBridge creates a bridge from source into gateway. prefix is the
// subject tree root, without the trailing wildcard.
func NewEventBridge(gateway *Gateway, source MessageSource, prefix string) *EventBridge {
	return &EventBridge{
		gateway: gateway,
		source:  source,
		prefix:  prefix,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to the source's subject tree and begins forwarding.
// Calling Start on a running bridge is a no-op. A failed Start leaves the
// bridge stopped: Stop stays a no-op and Start may be retried.
func (b *EventBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	messages, err := b.source.Subscribe(ctx, b.prefix+".>")
	if err != nil {
		// The forwarding loop never started, so doneCh will never close;
		// mark the bridge stopped so Stop does not wait on it.
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		return err
	}

	go b.processMessages(ctx, messages)

	logging.Info().Str("subject_prefix", b.prefix).Msg("event source bridge started")
	return nil
}

// Stop stops the bridge and waits for the forwarding loop to exit.
func (b *EventBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
	logging.Info().Msg("event source bridge stopped")
}

func (b *EventBridge) processMessages(ctx context.Context, messages <-chan SourceMessage) {
	defer close(b.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

// handleMessage routes one source message into the pub-sub core.
func (b *EventBridge) handleMessage(msg SourceMessage) {
	channel := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if channel == msg.Subject || !validation.ValidGroupName(channel) {
		logging.Warn().Str("subject", msg.Subject).Msg("ignoring message with unroutable subject")
		return
	}

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Type == "" {
		// Not an Event on the wire; forward the raw body as a custom event.
		ev = Event{Type: EventCustom, Data: msg.Data}
	}

	recipients := b.gateway.Publish(ev.Normalize(), ScopeToChannel(channel))
	logging.Debug().
		Str("channel", channel).
		Str("event_type", string(ev.Type)).
		Int("recipients", recipients).
		Msg("forwarded source event")
}
