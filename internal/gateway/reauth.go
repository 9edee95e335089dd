package gateway

import (
	"context"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/auth"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
)

type subscriptionSnapshot struct {
	conn     *Connection
	identity auth.Identity
	channels []string
}

// Reauthorize re-runs authorization for every live subscription and drops the
// ones that no longer pass, telling each affected client which channels went
// away. Returns the number of revoked subscriptions.
func (r *Registry) Reauthorize(ctx context.Context) int {
	r.mu.RLock()
	snapshots := make([]subscriptionSnapshot, 0, len(r.conns))
	for _, c := range r.conns {
		if !c.authenticated || len(c.subscriptions) == 0 {
			continue
		}
		snapshots = append(snapshots, subscriptionSnapshot{
			conn:     c,
			identity: c.identity,
			channels: sortedKeys(c.subscriptions),
		})
	}
	r.mu.RUnlock()

	revokedTotal := 0
	for _, s := range snapshots {
		if ctx.Err() != nil {
			break
		}

		var revoked []string
		reason := ""
		for _, ch := range s.channels {
			d := r.authorizer.Authorize(ctx, s.identity, s.identity.TenantID, ch)
			if !d.Allowed() {
				revoked = append(revoked, ch)
				reason = d.Reason
			}
		}
		if len(revoked) == 0 {
			continue
		}

		removed, remaining := r.removeSubscriptions(s.conn, revoked)
		if len(removed) == 0 {
			continue
		}
		revokedTotal += len(removed)
		for range removed {
			monitoring.RecordReauthRevocation()
		}

		r.logger.Info().
			Int64("connection_id", s.conn.id).
			Str("user_id", s.identity.UserID).
			Strs("channels", removed).
			Str("reason", reason).
			Msg("Subscriptions revoked by re-authorization")

		r.reply(s.conn, protocol.UnsubscriptionFrame{
			Type:              protocol.TypeUnsubscription,
			Status:            protocol.StatusSuccess,
			Channels:          removed,
			RemainingChannels: remaining,
			Reason:            "revoked",
			Timestamp:         protocol.Timestamp(r.opts.Now()),
		})
	}
	return revokedTotal
}

// RunReauthorization calls Reauthorize every interval until ctx is done
func (r *Registry) RunReauthorization(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(r.logger, "reauthorization", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reauthorize(ctx)
		case <-ctx.Done():
			return
		}
	}
}
