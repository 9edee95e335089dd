package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
	"github.com/kha997/zenamanagephp-sub064/internal/types"
)

// Broadcast target kinds, also used as metric labels
const (
	TargetAll     = "all"
	TargetUser    = "user"
	TargetChannel = "channel"
	TargetTenant  = "tenant"
)

// Event is a domain message pushed to clients. Payload must be valid JSON;
// object payloads are spread into the frame.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// enqueue hands a frame to the connection's write pump without ever blocking.
//
// When the queue is full the overflow policy decides: drop_oldest evicts the
// head of the queue to make room, disconnect counts a strike and closes the
// connection once the strike limit is reached. Any successful enqueue resets
// the strike count.
func (r *Registry) enqueue(c *Connection, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		c.overflowStrikes.Store(0)
		return true
	default:
	}

	if r.opts.OverflowPolicy == types.OverflowDropOldest {
		select {
		case <-c.send:
			monitoring.RecordDroppedFrame("drop_oldest")
		default:
		}
		select {
		case c.send <- data:
			return true
		default:
			monitoring.RecordDroppedFrame("buffer_full")
			return false
		}
	}

	strikes := c.overflowStrikes.Add(1)
	monitoring.RecordDroppedFrame("buffer_full")
	if strikes == 1 {
		r.logger.Warn().
			Int64("connection_id", c.id).
			Int("buffer_cap", cap(c.send)).
			Msg("Client is slow")
	}
	if int(strikes) >= r.opts.SlowClientStrikes {
		r.logger.Warn().
			Int64("connection_id", c.id).
			Int32("consecutive_failures", strikes).
			Msg("Disconnecting slow client")
		monitoring.IncrementSlowClientDisconnects()
		r.Close(c, monitoring.DisconnectReasonSlowClient)
	}
	return false
}

// reply encodes a frame for a single connection
func (r *Registry) reply(c *Connection, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		monitoring.LogError(r.logger, err, "Failed to encode frame", map[string]any{"connection_id": c.id})
		return
	}
	r.enqueue(c, data)
}

// fanOut sends one pre-encoded frame to every target and returns how many
// connections accepted it. A target that closed meanwhile is skipped.
func (r *Registry) fanOut(target string, targets []*Connection, data []byte) int {
	delivered := 0
	for _, c := range targets {
		if r.enqueue(c, data) {
			delivered++
		}
	}
	monitoring.RecordBroadcast(target, delivered)
	return delivered
}

func snapshot(set connSet) []*Connection {
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) encodeEvent(ev Event, channel string) ([]byte, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("event type required")
	}
	data, err := protocol.EncodeEvent(ev.Type, channel, ev.Payload, r.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// Broadcast sends ev to every live connection, authenticated or not
func (r *Registry) Broadcast(ev Event) (int, error) {
	data, err := r.encodeEvent(ev, "")
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	return r.fanOut(TargetAll, targets, data), nil
}

// BroadcastToUser sends ev to every connection of userID. A user with no
// live connections is a silent no-op.
func (r *Registry) BroadcastToUser(userID string, ev Event) (int, error) {
	data, err := r.encodeEvent(ev, "")
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := snapshot(r.byUser[userID])
	r.mu.RUnlock()

	return r.fanOut(TargetUser, targets, data), nil
}

// BroadcastToChannel sends ev to every subscriber of channel
func (r *Registry) BroadcastToChannel(channel string, ev Event) (int, error) {
	data, err := r.encodeEvent(ev, channel)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := snapshot(r.byChannel[channel])
	r.mu.RUnlock()

	return r.fanOut(TargetChannel, targets, data), nil
}

// BroadcastToTenant sends ev to every authenticated connection of tenantID
func (r *Registry) BroadcastToTenant(tenantID string, ev Event) (int, error) {
	data, err := r.encodeEvent(ev, "")
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := snapshot(r.byTenant[tenantID])
	r.mu.RUnlock()

	return r.fanOut(TargetTenant, targets, data), nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// BroadcastDashboardUpdate pushes a dashboard_update to one user
func (r *Registry) BroadcastDashboardUpdate(userID string, data any) (int, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return 0, err
	}
	return r.BroadcastToUser(userID, Event{Type: protocol.TypeDashboardUpdate, Payload: payload})
}

// BroadcastAlert pushes an alert to one user
func (r *Registry) BroadcastAlert(userID string, alert any) (int, error) {
	payload, err := marshalPayload(alert)
	if err != nil {
		return 0, err
	}
	return r.BroadcastToUser(userID, Event{Type: protocol.TypeAlert, Payload: payload})
}

// BroadcastMetricUpdate pushes a metric_update to a channel's subscribers
func (r *Registry) BroadcastMetricUpdate(channel string, metric any) (int, error) {
	payload, err := marshalPayload(metric)
	if err != nil {
		return 0, err
	}
	return r.BroadcastToChannel(channel, Event{Type: protocol.TypeMetricUpdate, Payload: payload})
}
