package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kha997/zenamanagephp-sub064/internal/gateway"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Ingest results, used as metric labels
const (
	ResultDelivered = "delivered"
	ResultNoTargets = "no_targets"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

var ErrInvalidRequest = errors.New("invalid broadcast request")

// BroadcastRequest is what upstream producers publish to ask the gateway to
// push an event. Which id field is required depends on Target.
type BroadcastRequest struct {
	Target   string          `json:"target"`
	UserID   string          `json:"user_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	TenantID string          `json:"tenant_id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Validate checks the target has the id it needs
func (r BroadcastRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type required", ErrInvalidRequest)
	}
	switch r.Target {
	case gateway.TargetAll:
	case gateway.TargetUser:
		if r.UserID == "" {
			return fmt.Errorf("%w: user_id required", ErrInvalidRequest)
		}
	case gateway.TargetChannel:
		if r.Channel == "" {
			return fmt.Errorf("%w: channel required", ErrInvalidRequest)
		}
	case gateway.TargetTenant:
		if r.TenantID == "" {
			return fmt.Errorf("%w: tenant_id required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidRequest, r.Target)
	}
	return nil
}

// DecodeRequest parses and validates one message body
func DecodeRequest(data []byte) (BroadcastRequest, error) {
	var req BroadcastRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return BroadcastRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return BroadcastRequest{}, err
	}
	return req, nil
}

// Broadcaster is the registry fan-out API the dispatcher drives
type Broadcaster interface {
	Broadcast(ev gateway.Event) (int, error)
	BroadcastToUser(userID string, ev gateway.Event) (int, error)
	BroadcastToChannel(channel string, ev gateway.Event) (int, error)
	BroadcastToTenant(tenantID string, ev gateway.Event) (int, error)
}

// Dispatcher routes decoded requests onto a Broadcaster. All sources share
// one token bucket, so a burst from one source slows every source.
type Dispatcher struct {
	broadcaster Broadcaster
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher. maxRate is requests per second; 0 or
// less disables throttling.
func NewDispatcher(broadcaster Broadcaster, maxRate float64, logger zerolog.Logger) *Dispatcher {
	limit := rate.Inf
	burst := 0
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
		burst = int(maxRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &Dispatcher{
		broadcaster: broadcaster,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger.With().Str("component", "ingest").Logger(),
	}
}

// Dispatch waits for rate budget, then decodes and delivers one message.
// It returns how many connections accepted the event.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, data []byte) (int, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := DecodeRequest(data)
	if err != nil {
		monitoring.RecordIngest(source, ResultInvalid)
		d.logger.Warn().Err(err).Str("source", source).Msg("Dropping invalid broadcast request")
		return 0, err
	}

	ev := gateway.Event{Type: req.Type, Payload: req.Data}
	var n int
	switch req.Target {
	case gateway.TargetAll:
		n, err = d.broadcaster.Broadcast(ev)
	case gateway.TargetUser:
		n, err = d.broadcaster.BroadcastToUser(req.UserID, ev)
	case gateway.TargetChannel:
		n, err = d.broadcaster.BroadcastToChannel(req.Channel, ev)
	case gateway.TargetTenant:
		n, err = d.broadcaster.BroadcastToTenant(req.TenantID, ev)
	}
	if err != nil {
		monitoring.RecordIngest(source, ResultFailed)
		monitoring.LogError(d.logger, err, "Broadcast request failed", map[string]any{
			"source": source,
			"target": req.Target,
			"type":   req.Type,
		})
		return 0, err
	}

	result := ResultDelivered
	if n == 0 {
		result = ResultNoTargets
	}
	monitoring.RecordIngest(source, result)

	d.logger.Debug().
		Str("source", source).
		Str("target", req.Target).
		Str("type", req.Type).
		Int("recipients", n).
		Msg("Broadcast request dispatched")
	return n, nil
}
