package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/kha997/zenamanagephp-sub064/internal/limits"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/rs/zerolog"
)

// ServerConfig configures the HTTP side of the gateway
type ServerConfig struct {
	Addr           string
	MaxConnections int
	ShutdownGrace  time.Duration
	ReauthInterval time.Duration
	Pump           PumpConfig

	// CPURejectThreshold refuses upgrades while the last sampled CPU
	// percentage is at or above it. 0 disables; needs a SystemMonitor.
	CPURejectThreshold float64
}

// Server accepts WebSocket upgrades and serves /health, /stats and /metrics
type Server struct {
	config     ServerConfig
	registry   *Registry
	limiter    *limits.RateLimitGuard
	handshakes *limits.ConnectionRateLimiter // nil disables handshake limiting
	system     *monitoring.SystemMonitor
	logger     zerolog.Logger

	httpServer   *http.Server
	listener     net.Listener
	shuttingDown atomic.Bool
	startedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires a server around an existing registry
func NewServer(config ServerConfig, registry *Registry, limiter *limits.RateLimitGuard,
	handshakes *limits.ConnectionRateLimiter, system *monitoring.SystemMonitor, logger zerolog.Logger) *Server {
	if config.Pump.MaxMessageSize <= 0 {
		config.Pump.MaxMessageSize = 64 * 1024
	}
	if config.Pump.WriteWait <= 0 {
		config.Pump.WriteWait = 5 * time.Second
	}
	if config.Pump.PongWait <= 0 {
		config.Pump.PongWait = 30 * time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		registry:   registry,
		limiter:    limiter,
		handshakes: handshakes,
		system:     system,
		logger:     logger.With().Str("component", "server").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	s.wg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(s.logger, "httpServe", nil)
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	if s.config.ReauthInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.registry.RunReauthorization(s.ctx, s.config.ReauthInterval)
		}()
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr returns the bound listener address
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		monitoring.RecordHandshakeRejection("shutting_down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.handshakes != nil && !s.handshakes.CheckConnectionAllowed(clientIP) {
		monitoring.RecordHandshakeRejection("rate_limited")
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.config.MaxConnections > 0 && s.registry.Count() >= s.config.MaxConnections {
		monitoring.RecordHandshakeRejection("capacity")
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := s.checkResources(); !accept {
		monitoring.RecordHandshakeRejection("cpu")
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected: resource limit")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.RecordHandshakeRejection("upgrade_failed")
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	c := s.registry.Open(s.ctx, conn, clientIP)

	go s.registry.writePump(c, s.config.Pump)
	go s.registry.readPump(c, s.config.Pump)
}

func (s *Server) checkResources() (accept bool, reason string) {
	if s.config.CPURejectThreshold <= 0 || s.system == nil {
		return true, ""
	}
	cpu := s.system.Snapshot().CPUPercent
	if cpuOverThreshold(cpu, s.config.CPURejectThreshold) {
		return false, fmt.Sprintf("CPU %.1f%% >= %.1f%%", cpu, s.config.CPURejectThreshold)
	}
	return true, ""
}

// cpuOverThreshold reports whether cpu has reached a non-zero threshold
func cpuOverThreshold(cpu, threshold float64) bool {
	return threshold > 0 && cpu >= threshold
}

// nearCapacity reports whether connections reached 90% of a non-zero ceiling
func nearCapacity(connections, ceiling int) (bool, float64) {
	if ceiling <= 0 {
		return false, 0
	}
	pct := float64(connections) / float64(ceiling) * 100
	return pct >= 90, pct
}

// getClientIP prefers the first X-Forwarded-For hop, then RemoteAddr
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connections := s.registry.Count()
	healthy := !s.shuttingDown.Load()
	warnings := []string{}

	checks := map[string]any{
		"connections": map[string]any{
			"current": connections,
			"max":     s.config.MaxConnections,
		},
	}

	if near, pct := nearCapacity(connections, s.config.MaxConnections); near {
		warnings = append(warnings, fmt.Sprintf("Connections near capacity (%.1f%%)", pct))
	}

	if s.system != nil {
		m := s.system.Snapshot()
		checks["cpu"] = map[string]any{"percentage": m.CPUPercent}
		checks["memory"] = map[string]any{"used_mb": m.MemoryMB}
		checks["goroutines"] = map[string]any{"current": m.Goroutines}
		if cpuOverThreshold(m.CPUPercent, s.config.CPURejectThreshold) {
			warnings = append(warnings, fmt.Sprintf("CPU above reject threshold (%.1f%%)", m.CPUPercent))
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	uptime := 0.0
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Seconds()
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"healthy":  healthy,
		"checks":   checks,
		"warnings": warnings,
		"uptime":   uptime,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"registry":   s.registry.GetStats(),
		"rate_limit": s.limiter.GetStats(),
	}
	if s.handshakes != nil {
		body["handshakes"] = s.handshakes.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Shutdown stops accepting upgrades, waits up to the grace period for clients
// to leave, then closes whatever remains through the normal teardown path
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	s.logger.Info().
		Int("active_connections", s.registry.Count()).
		Dur("grace_period", s.config.ShutdownGrace).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.config.ShutdownGrace)
	defer drainTimer.Stop()
	checkTicker := time.NewTicker(250 * time.Millisecond)
	defer checkTicker.Stop()

drain:
	for s.registry.Count() > 0 {
		select {
		case <-drainTimer.C:
			s.logger.Warn().
				Int("remaining_connections", s.registry.Count()).
				Msg("Grace period expired, force closing remaining connections")
			break drain
		case <-ctx.Done():
			break drain
		case <-checkTicker.C:
		}
	}

	s.registry.CloseAll(monitoring.DisconnectReasonServerShutdown)
	s.cancel()

	if s.handshakes != nil {
		s.handshakes.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
