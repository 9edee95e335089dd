package gateway

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/kha997/zenamanagephp-sub064/internal/auth"
	"github.com/kha997/zenamanagephp-sub064/internal/limits"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
	"github.com/kha997/zenamanagephp-sub064/internal/types"
	"github.com/rs/zerolog"
)

const closeFrameWait = time.Second

var (
	ErrConnectionClosed      = errors.New("connection closed")
	ErrAlreadyAuthenticated  = errors.New("already authenticated")
	ErrNotAuthenticated      = errors.New("authentication required")
	ErrTenantConnectionLimit = errors.New("tenant connection limit reached")
)

// Authorizer is the slice of auth.Guard the registry depends on
type Authorizer interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
	Authorize(ctx context.Context, user auth.Identity, tenantID, channel string) auth.Decision
}

// Options tunes per-connection behaviour
type Options struct {
	SendBufferSize    int
	OverflowPolicy    types.OverflowPolicy
	SlowClientStrikes int // consecutive overflows before disconnect
	MaxProtocolErrors int // consecutive protocol errors before disconnect, 0 disables
	Logger            zerolog.Logger
	Now               func() time.Time
}

type connSet map[*Connection]struct{}

// Registry owns every live connection and the user, tenant and channel
// indices over them.
//
// One RWMutex guards all indices and each connection's identity and
// subscriptions, so compound updates such as teardown are atomic. Fan-out
// copies the target set under the read lock and enqueues after releasing it.
type Registry struct {
	authorizer Authorizer
	limiter    *limits.RateLimitGuard
	opts       Options
	logger     zerolog.Logger

	mu        sync.RWMutex
	conns     map[int64]*Connection
	byUser    map[string]connSet
	byTenant  map[string]connSet
	byChannel map[string]connSet

	nextID atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry(authorizer Authorizer, limiter *limits.RateLimitGuard, opts Options) *Registry {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = types.OverflowDisconnect
	}
	if opts.SlowClientStrikes <= 0 {
		opts.SlowClientStrikes = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		authorizer: authorizer,
		limiter:    limiter,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "registry").Logger(),
		conns:      make(map[int64]*Connection),
		byUser:     make(map[string]connSet),
		byTenant:   make(map[string]connSet),
		byChannel:  make(map[string]connSet),
	}
}

// Open registers a new socket and queues the connected acknowledgment.
// conn may be nil when the caller drives the connection without a transport.
func (r *Registry) Open(ctx context.Context, conn net.Conn, remoteIP string) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		id:            r.nextID.Add(1),
		conn:          conn,
		remoteIP:      remoteIP,
		createdAt:     r.opts.Now(),
		subscriptions: make(map[string]struct{}),
		send:          make(chan []byte, r.opts.SendBufferSize),
		done:          make(chan struct{}),
		ctx:           cctx,
		cancel:        cancel,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	monitoring.RecordConnectionOpened()
	r.logger.Debug().Int64("connection_id", c.id).Str("client_ip", remoteIP).Msg("Connection opened")

	r.reply(c, protocol.ConnectionFrame{
		Type:         protocol.TypeConnection,
		Status:       protocol.StatusConnected,
		ConnectionID: c.id,
		Timestamp:    protocol.Timestamp(r.opts.Now()),
	})
	return c
}

// bind attaches an identity and takes a tenant connection slot in one step.
// On any error the connection stays unauthenticated.
func (r *Registry) bind(c *Connection, id auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}
	if !r.limiter.TryRegisterConnection(id.TenantID) {
		return ErrTenantConnectionLimit
	}

	c.identity = id
	c.authenticated = true
	c.tenantSlot = true
	addTo(r.byUser, id.UserID, c)
	addTo(r.byTenant, id.TenantID, c)
	monitoring.SetTenantsConnected(len(r.byTenant))
	return nil
}

// identityOf returns the bound identity, if any
func (r *Registry) identityOf(c *Connection) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c.identity, c.authenticated
}

// addSubscriptions records granted channels in both indices
func (r *Registry) addSubscriptions(c *Connection, channels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
		addTo(r.byChannel, ch, c)
	}
	return nil
}

// removeSubscriptions drops channels from both indices and reports what was
// actually removed and what remains
func (r *Registry) removeSubscriptions(c *Connection, channels []string) (removed, remaining []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = []string{}
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; !ok {
			continue
		}
		delete(c.subscriptions, ch)
		removeFrom(r.byChannel, ch, c)
		removed = append(removed, ch)
	}
	return removed, sortedKeys(c.subscriptions)
}

// Subscriptions returns the connection's channels in sorted order
func (r *Registry) Subscriptions(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(c.subscriptions)
}

// Close tears a connection down. Every exit path ends here; only the first
// call has any effect, so racing read and write failures are harmless.
func (r *Registry) Close(c *Connection, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)

		r.mu.Lock()
		delete(r.conns, c.id)
		for ch := range c.subscriptions {
			removeFrom(r.byChannel, ch, c)
		}
		c.subscriptions = make(map[string]struct{})
		if c.authenticated {
			removeFrom(r.byUser, c.identity.UserID, c)
			removeFrom(r.byTenant, c.identity.TenantID, c)
		}
		tenantID := ""
		if c.tenantSlot {
			tenantID = c.identity.TenantID
			c.tenantSlot = false
		}
		authenticated := c.authenticated
		c.closed = true
		tenants := len(r.byTenant)
		r.mu.Unlock()

		r.limiter.CleanupConnection(c.id, tenantID)

		c.cancel()
		close(c.done)
		if c.conn != nil {
			if status, ok := closeStatusFor(reason); ok {
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(closeFrameWait))
				wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(status, reason))
				c.writeMu.Unlock()
			}
			c.conn.Close()
		}

		duration := r.opts.Now().Sub(c.createdAt)
		monitoring.RecordDisconnect(reason, authenticated, duration)
		monitoring.SetTenantsConnected(tenants)

		r.logger.Info().
			Int64("connection_id", c.id).
			Str("user_id", c.identity.UserID).
			Str("tenant_id", c.identity.TenantID).
			Str("reason", reason).
			Dur("duration", duration).
			Msg("Connection closed")
	})
}

// closeStatusFor maps server-initiated teardowns to a close frame status.
// Transport failures, client closes and slow clients get no frame.
func closeStatusFor(reason string) (ws.StatusCode, bool) {
	switch reason {
	case monitoring.DisconnectReasonServerShutdown:
		return ws.StatusGoingAway, true
	case monitoring.DisconnectReasonProtocol:
		return ws.StatusProtocolError, true
	}
	return 0, false
}

// CloseAll tears down every live connection
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		r.Close(c, reason)
	}
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats is an operational snapshot of the registry
type Stats struct {
	TotalConnections         int            `json:"total_connections"`
	AuthenticatedConnections int            `json:"authenticated_connections"`
	AuthenticatedUsers       int            `json:"authenticated_users"`
	ConnectionsPerUser       map[string]int `json:"connections_per_user"`
	Tenants                  int            `json:"tenants"`
	Channels                 int            `json:"channels"`
}

// GetStats reads all indices under one read lock
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections:   len(r.conns),
		AuthenticatedUsers: len(r.byUser),
		ConnectionsPerUser: make(map[string]int, len(r.byUser)),
		Tenants:            len(r.byTenant),
		Channels:           len(r.byChannel),
	}
	for user, set := range r.byUser {
		stats.ConnectionsPerUser[user] = len(set)
		stats.AuthenticatedConnections += len(set)
	}
	return stats
}

// SubscriberCount returns how many connections are subscribed to channel
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

func addTo(index map[string]connSet, key string, c *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(connSet)
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(index map[string]connSet, key string, c *Connection) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
