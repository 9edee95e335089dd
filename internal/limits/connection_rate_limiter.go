package limits

import (
	"sync"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handshake rejection scopes
const (
	ScopeHandshakeGlobal = "handshake_global"
	ScopeHandshakeIP     = "handshake_ip"
)

// ConnectionRateLimiter throttles WebSocket upgrade attempts before any
// connection state exists.
//
// Two levels:
//   - Global: caps the system-wide handshake rate
//   - Per-IP: stops one address from flooding handshakes
//
// Both are token buckets (golang.org/x/time/rate) so reconnect bursts pass.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for handshake rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // per second, default 1.0
	IPTTL   time.Duration // idle IP entries are dropped after this, default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // per second, default 50.0

	CleanupInterval time.Duration // default 1m

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates the limiter and starts its cleanup loop.
// Zero values fall back to the defaults listed on ConnectionRateLimiterConfig.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	go crl.cleanupLoop(config.CleanupInterval)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// CheckConnectionAllowed returns false when the handshake should be refused
// with 429. The global bucket is checked first since it needs no map lookup.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("global_rate", crl.globalRate).
			Int("global_burst", crl.globalBurst).
			Msg("Handshake rejected: global rate limit exceeded")
		monitoring.RecordRateLimited(ScopeHandshakeGlobal)
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("ip_rate", crl.ipRate).
			Int("ip_burst", crl.ipBurst).
			Msg("Handshake rejected: per-IP rate limit exceeded")
		monitoring.RecordRateLimited(ScopeHandshakeIP)
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: now}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	defer monitoring.RecoverPanic(crl.logger, "connectionRateLimiterCleanup", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup(time.Now())
		case <-crl.stopCleanup:
			return
		}
	}
}

// cleanup drops IPs idle for longer than the TTL
func (crl *ConnectionRateLimiter) cleanup(now time.Time) int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// Stop ends the cleanup loop; safe to call more than once
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
}

// GetStats returns limiter settings and the number of tracked IPs
func (crl *ConnectionRateLimiter) GetStats() map[string]any {
	crl.ipMu.Lock()
	trackedIPs := len(crl.ipLimiters)
	crl.ipMu.Unlock()

	return map[string]any{
		"tracked_ips":  trackedIPs,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"ip_ttl":       crl.ipTTL.String(),
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
