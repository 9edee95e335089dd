package limits

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/rs/zerolog"
)

const shardCount = 64

// Rate limit scopes, also used as metric labels
const (
	ScopeConnection        = "connection"
	ScopeTenant            = "tenant"
	ScopeTenantConnections = "tenant_connections"
)

// Limits configures RateLimitGuard
type Limits struct {
	ConnectionMessagesPerSec int           `json:"connection_messages_per_sec"`
	TenantMessagesPerSec     int           `json:"tenant_messages_per_sec"`
	TenantMaxConnections     int           `json:"tenant_max_connections"`
	Window                   time.Duration `json:"window_ns"`
}

// DefaultLimits returns 10 msg/s per connection, 500 msg/s per tenant and
// 50 live connections per tenant over one-second windows
func DefaultLimits() Limits {
	return Limits{
		ConnectionMessagesPerSec: 10,
		TenantMessagesPerSec:     500,
		TenantMaxConnections:     50,
		Window:                   time.Second,
	}
}

// window is a fixed counting window. It resets once Window has elapsed since
// start, so a burst straddling a boundary can reach twice the limit.
type window struct {
	count  int
	start  time.Time
	warned bool // one warn log per window
}

type windowShard[K comparable] struct {
	mu      sync.Mutex
	windows map[K]*window
}

type countShard struct {
	mu     sync.Mutex
	counts map[string]int
}

// RateLimitGuard holds message windows per connection and per tenant plus the
// live connection count per tenant. Every key maps to one shard and all
// read-modify-write on that key happens under the shard mutex.
type RateLimitGuard struct {
	limits Limits
	logger zerolog.Logger
	now    func() time.Time

	connWindows   [shardCount]windowShard[int64]
	tenantWindows [shardCount]windowShard[string]
	tenantConns   [shardCount]countShard
}

// NewRateLimitGuard creates a guard. now may be nil to use the wall clock.
func NewRateLimitGuard(limits Limits, logger zerolog.Logger, now func() time.Time) *RateLimitGuard {
	defaults := DefaultLimits()
	if limits.ConnectionMessagesPerSec <= 0 {
		limits.ConnectionMessagesPerSec = defaults.ConnectionMessagesPerSec
	}
	if limits.TenantMessagesPerSec <= 0 {
		limits.TenantMessagesPerSec = defaults.TenantMessagesPerSec
	}
	if limits.TenantMaxConnections <= 0 {
		limits.TenantMaxConnections = defaults.TenantMaxConnections
	}
	if limits.Window <= 0 {
		limits.Window = defaults.Window
	}
	if now == nil {
		now = time.Now
	}

	g := &RateLimitGuard{
		limits: limits,
		logger: logger.With().Str("component", "rate_limit_guard").Logger(),
		now:    now,
	}
	for i := range g.connWindows {
		g.connWindows[i].windows = make(map[int64]*window)
		g.tenantWindows[i].windows = make(map[string]*window)
		g.tenantConns[i].counts = make(map[string]int)
	}
	return g
}

// Limits returns the effective configuration
func (g *RateLimitGuard) Limits() Limits {
	return g.limits
}

func connShard(connID int64) int {
	return int(uint64(connID) % shardCount)
}

func tenantShard(tenantID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32() % shardCount)
}

// take consumes one slot from the window for key, creating it lazily
func take[K comparable](g *RateLimitGuard, s *windowShard[K], key K, limit int) (allowed bool, firstDenial bool) {
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{start: now}
		s.windows[key] = w
	}
	if now.Sub(w.start) >= g.limits.Window {
		w.count = 0
		w.start = now
		w.warned = false
	}
	if w.count >= limit {
		first := !w.warned
		w.warned = true
		return false, first
	}
	w.count++
	return true, false
}

// CanSendMessage admits one inbound message for a connection
func (g *RateLimitGuard) CanSendMessage(connID int64) bool {
	allowed, first := take(g, &g.connWindows[connShard(connID)], connID, g.limits.ConnectionMessagesPerSec)
	if !allowed {
		monitoring.RecordRateLimited(ScopeConnection)
		if first {
			g.logger.Warn().
				Int64("connection_id", connID).
				Int("limit", g.limits.ConnectionMessagesPerSec).
				Msg("Connection message rate limit exceeded")
		}
	}
	return allowed
}

// CanSendMessageForTenant admits one inbound message against the tenant budget
func (g *RateLimitGuard) CanSendMessageForTenant(tenantID string) bool {
	allowed, first := take(g, &g.tenantWindows[tenantShard(tenantID)], tenantID, g.limits.TenantMessagesPerSec)
	if !allowed {
		monitoring.RecordRateLimited(ScopeTenant)
		if first {
			g.logger.Warn().
				Str("tenant_id", tenantID).
				Int("limit", g.limits.TenantMessagesPerSec).
				Msg("Tenant message rate limit exceeded")
		}
	}
	return allowed
}

// AllowMessage checks the connection window first, then the tenant window
// when the connection has a tenant. A message refused by the connection
// window does not consume tenant budget. scope names the refusing gate.
func (g *RateLimitGuard) AllowMessage(connID int64, tenantID string) (allowed bool, scope string) {
	if !g.CanSendMessage(connID) {
		return false, ScopeConnection
	}
	if tenantID != "" && !g.CanSendMessageForTenant(tenantID) {
		return false, ScopeTenant
	}
	return true, ""
}

// CanAcceptConnection reports whether the tenant is below its connection ceiling
func (g *RateLimitGuard) CanAcceptConnection(tenantID string) bool {
	s := &g.tenantConns[tenantShard(tenantID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tenantID] < g.limits.TenantMaxConnections
}

// RegisterConnection counts a live connection for the tenant unconditionally
func (g *RateLimitGuard) RegisterConnection(tenantID string) {
	s := &g.tenantConns[tenantShard(tenantID)]
	s.mu.Lock()
	s.counts[tenantID]++
	s.mu.Unlock()
}

// TryRegisterConnection checks the ceiling and registers in one step
func (g *RateLimitGuard) TryRegisterConnection(tenantID string) bool {
	s := &g.tenantConns[tenantShard(tenantID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[tenantID] >= g.limits.TenantMaxConnections {
		monitoring.RecordRateLimited(ScopeTenantConnections)
		g.logger.Warn().
			Str("tenant_id", tenantID).
			Int("limit", g.limits.TenantMaxConnections).
			Msg("Tenant connection limit reached")
		return false
	}
	s.counts[tenantID]++
	return true
}

// UnregisterConnection decrements the tenant count, never below zero.
// The entry is dropped when it reaches zero.
func (g *RateLimitGuard) UnregisterConnection(tenantID string) {
	s := &g.tenantConns[tenantShard(tenantID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.counts[tenantID]; n > 1 {
		s.counts[tenantID] = n - 1
		return
	}
	delete(s.counts, tenantID)
}

// CleanupConnection drops the connection window and releases its tenant slot.
// The caller guarantees it runs once per connection; tenantID is empty when
// the connection never registered one.
func (g *RateLimitGuard) CleanupConnection(connID int64, tenantID string) {
	s := &g.connWindows[connShard(connID)]
	s.mu.Lock()
	delete(s.windows, connID)
	s.mu.Unlock()

	if tenantID != "" {
		g.UnregisterConnection(tenantID)
	}
}

// Stats is a point-in-time view of the guard
type Stats struct {
	ConnectionsPerTenant       map[string]int `json:"connections_per_tenant"`
	MessagesPerTenantPerSecond map[string]int `json:"messages_per_tenant_per_second"`
	ActiveConnections          int            `json:"active_connections"`
	TrackedConnectionWindows   int            `json:"tracked_connection_windows"`
	Limits                     Limits         `json:"limits"`
}

// GetStats locks one shard at a time, so totals are consistent per key but
// not across the whole guard
func (g *RateLimitGuard) GetStats() Stats {
	now := g.now()
	stats := Stats{
		ConnectionsPerTenant:       make(map[string]int),
		MessagesPerTenantPerSecond: make(map[string]int),
		Limits:                     g.limits,
	}

	for i := range g.tenantConns {
		s := &g.tenantConns[i]
		s.mu.Lock()
		for tenant, n := range s.counts {
			stats.ConnectionsPerTenant[tenant] = n
			stats.ActiveConnections += n
		}
		s.mu.Unlock()
	}

	for i := range g.tenantWindows {
		s := &g.tenantWindows[i]
		s.mu.Lock()
		for tenant, w := range s.windows {
			if now.Sub(w.start) < g.limits.Window {
				stats.MessagesPerTenantPerSecond[tenant] = w.count
			}
		}
		s.mu.Unlock()
	}

	for i := range g.connWindows {
		s := &g.connWindows[i]
		s.mu.Lock()
		stats.TrackedConnectionWindows += len(s.windows)
		s.mu.Unlock()
	}

	return stats
}
