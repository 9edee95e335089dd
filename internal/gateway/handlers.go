package gateway

import (
	"errors"

	"github.com/kha997/zenamanagephp-sub064/internal/auth"
	"github.com/kha997/zenamanagephp-sub064/internal/limits"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
)

// HandleMessage processes one inbound text frame. Every frame type, ping
// included, passes the rate limiter before it is decoded. All failures are
// answered on the connection; none of them escape to the caller.
func (r *Registry) HandleMessage(c *Connection, data []byte) {
	open, allowed, scope := r.admitFrame(c)
	if !open {
		return
	}
	if !allowed {
		msg := "Too many messages, please slow down"
		if scope == limits.ScopeTenant {
			msg = "Tenant message budget exhausted, please slow down"
		}
		r.replyError(c, protocol.CodeRateLimitExceeded, msg)
		return
	}

	cmd, perr := protocol.Decode(data)
	if perr != nil {
		monitoring.RecordProtocolError(perr.Code)
		r.logger.Debug().
			Int64("connection_id", c.id).
			Str("code", perr.Code).
			Msg("Protocol error")
		r.reply(c, perr.FrameFor(r.opts.Now()))

		c.protocolErrors++
		if r.opts.MaxProtocolErrors > 0 && c.protocolErrors >= r.opts.MaxProtocolErrors {
			r.logger.Warn().
				Int64("connection_id", c.id).
				Int("protocol_errors", c.protocolErrors).
				Msg("Disconnecting client after repeated protocol errors")
			r.Close(c, monitoring.DisconnectReasonProtocol)
		}
		return
	}
	c.protocolErrors = 0

	switch cmd.Type {
	case protocol.TypeAuthenticate:
		r.handleAuthenticate(c, cmd.Token)
	case protocol.TypeSubscribe:
		r.handleSubscribe(c, cmd.Channels)
	case protocol.TypeUnsubscribe:
		r.handleUnsubscribe(c, cmd.Channels)
	case protocol.TypePing:
		r.reply(c, protocol.PongFrame{Type: protocol.TypePong, Timestamp: protocol.Timestamp(r.opts.Now())})
	}
}

// admitFrame charges the rate limiter for one frame unless the connection
// is already closed. Close marks the connection under the write lock before
// it releases the limiter windows, so no window outlives teardown.
func (r *Registry) admitFrame(c *Connection) (open, allowed bool, scope string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c.closed {
		return false, false, ""
	}
	allowed, scope = r.limiter.AllowMessage(c.id, c.identity.TenantID)
	return true, allowed, scope
}

func (r *Registry) replyError(c *Connection, code, message string) {
	r.reply(c, protocol.NewErrorFrame(code, message, r.opts.Now()))
}

func (r *Registry) authFailure(c *Connection, code, message, result string) {
	monitoring.RecordAuthentication(result)
	r.reply(c, protocol.AuthenticationFrame{
		Type:      protocol.TypeAuthentication,
		Status:    protocol.StatusError,
		Code:      code,
		Message:   message,
		Timestamp: protocol.Timestamp(r.opts.Now()),
	})
}

// handleAuthenticate leaves the connection open and unauthenticated on any
// failure so the client can retry
func (r *Registry) handleAuthenticate(c *Connection, token string) {
	if _, ok := r.identityOf(c); ok {
		r.authFailure(c, protocol.CodeAlreadyAuthenticated, ErrAlreadyAuthenticated.Error(), "already_authenticated")
		return
	}

	id, err := r.authorizer.VerifyToken(c.ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenMissing) {
			r.authFailure(c, protocol.CodeAuthenticationRequired, auth.ErrTokenMissing.Error(), "missing_token")
			return
		}
		r.authFailure(c, protocol.CodeAuthenticationFailed, auth.ErrTokenInvalid.Error(), "invalid_token")
		return
	}

	switch err := r.bind(c, id); {
	case errors.Is(err, ErrTenantConnectionLimit):
		r.authFailure(c, protocol.CodeTenantConnectionLimit, "tenant connection limit reached", "tenant_limit")
		return
	case errors.Is(err, ErrAlreadyAuthenticated):
		r.authFailure(c, protocol.CodeAlreadyAuthenticated, err.Error(), "already_authenticated")
		return
	case err != nil:
		return
	}

	monitoring.RecordAuthentication("success")
	r.logger.Info().
		Int64("connection_id", c.id).
		Str("user_id", id.UserID).
		Str("tenant_id", id.TenantID).
		Msg("Connection authenticated")

	r.reply(c, protocol.AuthenticationFrame{
		Type:      protocol.TypeAuthentication,
		Status:    protocol.StatusSuccess,
		UserID:    id.UserID,
		UserName:  id.Name,
		TenantID:  id.TenantID,
		Timestamp: protocol.Timestamp(r.opts.Now()),
	})
}

// handleSubscribe authorizes each channel on its own and reports granted and
// denied channels separately
func (r *Registry) handleSubscribe(c *Connection, channels []string) {
	id, ok := r.identityOf(c)
	if !ok {
		r.replyError(c, protocol.CodeAuthenticationRequired, ErrNotAuthenticated.Error())
		return
	}

	granted := make([]string, 0, len(channels))
	var denied []protocol.DeniedChannel
	for _, ch := range channels {
		decision := r.authorizer.Authorize(c.ctx, id, id.TenantID, ch)
		monitoring.RecordSubscription(decision.Allowed(), decision.Reason)
		if decision.Allowed() {
			granted = append(granted, ch)
		} else {
			denied = append(denied, protocol.DeniedChannel{Channel: ch, Reason: decision.Reason})
		}
	}

	if len(granted) > 0 {
		if err := r.addSubscriptions(c, granted); err != nil {
			return
		}
	}

	status := protocol.StatusSuccess
	switch {
	case len(granted) == 0:
		status = protocol.StatusError
	case len(denied) > 0:
		status = protocol.StatusPartial
	}

	r.logger.Debug().
		Int64("connection_id", c.id).
		Strs("granted", granted).
		Int("denied", len(denied)).
		Msg("Subscribe processed")

	r.reply(c, protocol.SubscriptionFrame{
		Type:      protocol.TypeSubscription,
		Status:    status,
		Channels:  granted,
		Requested: channels,
		Denied:    denied,
		Timestamp: protocol.Timestamp(r.opts.Now()),
	})
}

// handleUnsubscribe is a no-op apart from the reply when nothing matches
func (r *Registry) handleUnsubscribe(c *Connection, channels []string) {
	removed, remaining := r.removeSubscriptions(c, channels)
	r.reply(c, protocol.UnsubscriptionFrame{
		Type:              protocol.TypeUnsubscription,
		Status:            protocol.StatusSuccess,
		Channels:          removed,
		RemainingChannels: remaining,
		Timestamp:         protocol.Timestamp(r.opts.Now()),
	})
}
