package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

// Dispatcher fans encoded frames out to live sockets. Frames are encoded once
// per call and handed to each socket in one pass, so two calls targeting the
// same connection arrive in call order.
type Dispatcher struct {
	registry   *Registry
	membership *Membership
	clock      clockwork.Clock
	metrics    *metrics.HubMetrics
}

func NewDispatcher(registry *Registry, membership *Membership, clock clockwork.Clock, m *metrics.HubMetrics) *Dispatcher {
	return &Dispatcher{registry: registry, membership: membership, clock: clock, metrics: m}
}

// Dispatch routes msg to its single target.
func (d *Dispatcher) Dispatch(msg domain.OutboundMessage) (int, error) {
	hasChannel := msg.TargetChannel != ""
	hasIdentity := msg.TargetIdentity != ""
	if hasChannel == hasIdentity {
		slog.Warn("Dropping outbound message with invalid target",
			"target_channel", msg.TargetChannel, "target_identity", msg.TargetIdentity)
		return 0, domain.ErrInvalidTarget
	}
	if hasChannel {
		return d.BroadcastToChannel(msg.TargetChannel, msg.Payload)
	}
	return d.SendToIdentity(msg.TargetIdentity, msg.Payload)
}

// BroadcastToChannel delivers payload to every live connection of every member
// of channel. It returns the number of sockets that accepted the frame.
func (d *Dispatcher) BroadcastToChannel(channel string, payload any) (int, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, err
	}

	start := d.clock.Now()
	delivered := 0
	for _, identity := range d.membership.MembersOf(channel) {
		delivered += d.deliver(d.registry.SocketsOf(identity), data)
	}
	if d.metrics != nil {
		d.metrics.BroadcastDuration.Observe(d.clock.Since(start).Seconds())
	}
	return delivered, nil
}

// SendToIdentity delivers payload to every live connection of identity.
func (d *Dispatcher) SendToIdentity(identity string, payload any) (int, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, err
	}
	return d.deliver(d.registry.SocketsOf(identity), data), nil
}

// BroadcastAll delivers payload to every registered connection.
func (d *Dispatcher) BroadcastAll(payload any) (int, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, err
	}
	return d.deliver(d.registry.Sockets(), data), nil
}

// DeliverChange turns a feed change into a realtime_update frame for the
// channel's members.
func (d *Dispatcher) DeliverChange(_ context.Context, channel string, ev domain.ChangeEvent) {
	frame := domain.OutboundFrame{
		Type:      domain.FrameRealtimeUpdate,
		Channel:   channel,
		MessageID: ev.ID,
		Data:      ev.Data,
		Timestamp: ev.At,
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = d.clock.Now()
	}
	if _, err := d.BroadcastToChannel(channel, frame); err != nil {
		slog.Error("Failed to broadcast change", "channel", channel, "event_id", ev.ID, "error", err)
	}
}

// SendTo delivers payload to one socket, used for replies to the requesting
// connection.
func (d *Dispatcher) SendTo(socket Socket, payload any) bool {
	data, err := encode(payload)
	if err != nil {
		slog.Error("Failed to encode reply", "error", err)
		return false
	}
	return d.deliver([]Socket{socket}, data) == 1
}

// deliver skips sockets that are no longer open; the heartbeat catches them.
func (d *Dispatcher) deliver(sockets []Socket, data []byte) int {
	delivered := 0
	for _, s := range sockets {
		if s.Open() && s.Send(data) {
			delivered++
			continue
		}
		if d.metrics != nil {
			d.metrics.FramesDropped.Inc()
		}
	}
	if d.metrics != nil {
		d.metrics.FramesDelivered.Add(float64(delivered))
	}
	return delivered
}

func encode(payload any) ([]byte, error) {
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
