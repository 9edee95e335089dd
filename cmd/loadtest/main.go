package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Config is the load profile
type Config struct {
	WSURL              string
	HealthURL          string
	TargetConnections  int
	RampRate           int // connections per second
	SustainDurationSec int
	ReportIntervalSec  int
	HealthCheckSec     int
	Tokens             []string // assigned round robin
	Channels           []string
	SubscriptionMode   string // "all", "single", "random"
	ChannelsPerClient  int
	ConnectionTimeout  time.Duration
}

// State holds the counters every client updates
type State struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	connectionErrors  sync.Map // map[string]*int64

	authSucceeded int64
	authFailed    int64

	subscriptionsSent      int64
	subscriptionsConfirmed int64
	subscriptionsDenied    int64

	eventsReceived int64
	errorFrames    int64

	lastHealthCheck *HealthResponse
	startTime       time.Time
	phase           atomic.Value // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// HealthResponse is the subset of /health the report prints
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Checks  struct {
		Connections struct {
			Current int `json:"current"`
		} `json:"connections"`
		CPU struct {
			Percentage float64 `json:"percentage"`
		} `json:"cpu"`
		Memory struct {
			UsedMB float64 `json:"used_mb"`
		} `json:"memory"`
	} `json:"checks"`
}

// Client is one simulated browser session
type Client struct {
	id      int
	conn    net.Conn
	rw      io.ReadWriter
	token   string
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var (
	state  *State
	config *Config
)

func main() {
	config = parseFlags()
	state = &State{startTime: time.Now()}
	state.phase.Store("ramping")

	log.Printf("Load test: %d connections at %d/sec against %s", config.TargetConnections, config.RampRate, config.WSURL)
	if len(config.Channels) > 0 {
		log.Printf("Subscriptions: mode=%s channels=%v", config.SubscriptionMode, config.Channels)
	}

	if err := checkServerHealth(); err != nil {
		log.Fatalf("Server health check failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	if err := rampUpConnections(ctx); err != nil {
		log.Printf("Ramp-up interrupted: %v", err)
	}

	if state.phase.Load() == "sustaining" {
		log.Printf("Sustaining load for %ds", config.SustainDurationSec)
		select {
		case <-time.After(time.Duration(config.SustainDurationSec) * time.Second):
		case <-ctx.Done():
			log.Printf("Sustain phase interrupted")
		}
	}
	state.phase.Store("completed")

	printReport()
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:6001/ws"), "WebSocket endpoint")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:6001/health"), "Health endpoint")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainDurationSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthCheckSec, "health-interval", 5, "Health check interval in seconds")
	timeoutMs := flag.Int("connection-timeout", getEnvInt("CONNECTION_TIMEOUT", 10000), "Handshake timeout in milliseconds")
	tokens := flag.String("tokens", getEnv("TOKENS", ""), "Comma-separated bearer tokens, assigned round robin")
	channels := flag.String("channels", getEnv("CHANNELS", ""), "Comma-separated channels to subscribe to")
	flag.StringVar(&cfg.SubscriptionMode, "subscription-mode", getEnv("SUBSCRIPTION_MODE", "all"), "all, single or random")
	flag.IntVar(&cfg.ChannelsPerClient, "channels-per-client", getEnvInt("CHANNELS_PER_CLIENT", 3), "Channels per client in random mode")
	flag.Parse()

	cfg.ConnectionTimeout = time.Duration(*timeoutMs) * time.Millisecond
	cfg.Tokens = splitList(*tokens)
	cfg.Channels = splitList(*channels)
	if cfg.RampRate < 10 {
		cfg.RampRate = 10
	}
	return cfg
}

func splitList(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// pickChannels chooses the subscription set for client id
func pickChannels(mode string, channels []string, perClient, id int, rnd *rand.Rand) []string {
	if len(channels) == 0 {
		return nil
	}
	switch mode {
	case "single":
		return []string{channels[id%len(channels)]}
	case "random":
		n := min(perClient, len(channels))
		perm := rnd.Perm(len(channels))
		picked := make([]string, 0, n)
		for i := 0; i < n; i++ {
			picked = append(picked, channels[perm[i]])
		}
		return picked
	default:
		return channels
	}
}

func rampUpConnections(ctx context.Context) error {
	batchSize := config.RampRate / 10
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connectionID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.phase.Store("sustaining")
				log.Printf("Ramp-up complete: %d connections established", atomic.LoadInt64(&state.activeConnections))
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				id := connectionID
				connectionID++
				atomic.AddInt64(&state.totalCreated, 1)

				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					if err := newClient(ctx, id).connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						val, _ := state.connectionErrors.LoadOrStore(err.Error(), new(int64))
						atomic.AddInt64(val.(*int64), 1)
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

func newClient(ctx context.Context, id int) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{id: id, ctx: cctx, cancel: cancel}
	if len(config.Tokens) > 0 {
		c.token = config.Tokens[id%len(config.Tokens)]
	}
	return c
}

func (c *Client) connect() error {
	dialer := ws.Dialer{Timeout: config.ConnectionTimeout}
	conn, br, _, err := dialer.Dial(c.ctx, config.WSURL)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.conn = conn
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, conn}
	atomic.AddInt64(&state.activeConnections, 1)

	if c.token != "" {
		if err := c.send(map[string]any{"type": "authenticate", "token": c.token}); err != nil {
			c.close()
			return fmt.Errorf("authenticate failed: %w", err)
		}
	}

	go c.readLoop()
	go c.heartbeat()
	return nil
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

func (c *Client) subscribe() {
	channels := pickChannels(config.SubscriptionMode, config.Channels, config.ChannelsPerClient, c.id,
		rand.New(rand.NewSource(int64(c.id))))
	if len(channels) == 0 {
		return
	}
	if err := c.send(map[string]any{"type": "subscribe", "channels": channels}); err != nil {
		c.close()
		return
	}
	atomic.AddInt64(&state.subscriptionsSent, 1)
}

// readLoop answers server pings through wsutil and counts frames by type
func (c *Client) readLoop() {
	defer c.close()

	const readTimeout = 60 * time.Second
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			return
		}

		var frame struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			atomic.AddInt64(&state.errorFrames, 1)
			continue
		}

		switch frame.Type {
		case "connection", "pong", "unsubscription":
		case "authentication":
			if frame.Status == "success" {
				atomic.AddInt64(&state.authSucceeded, 1)
				c.subscribe()
			} else {
				atomic.AddInt64(&state.authFailed, 1)
			}
		case "subscription":
			if frame.Status == "error" {
				atomic.AddInt64(&state.subscriptionsDenied, 1)
			} else {
				atomic.AddInt64(&state.subscriptionsConfirmed, 1)
			}
		case "error":
			atomic.AddInt64(&state.errorFrames, 1)
		default:
			atomic.AddInt64(&state.eventsReceived, 1)
		}
	}
}

// heartbeat sends an application ping well inside the server's pong wait
func (c *Client) heartbeat() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(map[string]any{"type": "ping"}); err != nil {
				log.Printf("Connection %d dead (ping send failed): %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.conn != nil {
			c.conn.Close()
		}
		c.cancel()
	})
}

func checkServerHealth() error {
	resp, err := http.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealthCheck = &health
	state.mu.Unlock()

	if !health.Healthy {
		log.Printf("Server reports status %q, continuing", health.Status)
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("Health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func successRate(created, failed int64) float64 {
	if created == 0 {
		return 100
	}
	return float64(created-failed) / float64(created) * 100
}

func printReport() {
	elapsed := max(int(time.Since(state.startTime).Seconds()), 1)

	state.mu.RLock()
	health := state.lastHealthCheck
	state.mu.RUnlock()

	created := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	events := atomic.LoadInt64(&state.eventsReceived)

	log.Printf("%s", strings.Repeat("=", 60))
	log.Printf("Elapsed %ds, phase %s", elapsed, state.phase.Load())
	log.Printf("Connections: active=%d created=%d failed=%d success=%.1f%%",
		atomic.LoadInt64(&state.activeConnections), created, failed, successRate(created, failed))
	log.Printf("Auth: ok=%d failed=%d", atomic.LoadInt64(&state.authSucceeded), atomic.LoadInt64(&state.authFailed))
	log.Printf("Subscriptions: sent=%d confirmed=%d denied=%d",
		atomic.LoadInt64(&state.subscriptionsSent),
		atomic.LoadInt64(&state.subscriptionsConfirmed),
		atomic.LoadInt64(&state.subscriptionsDenied))
	log.Printf("Events: %d (%.2f/s), error frames: %d", events, float64(events)/float64(elapsed), atomic.LoadInt64(&state.errorFrames))
	if health != nil {
		log.Printf("Server: %s, %d connections, cpu %.1f%%, mem %.1f MB",
			health.Status, health.Checks.Connections.Current, health.Checks.CPU.Percentage, health.Checks.Memory.UsedMB)
	}

	state.connectionErrors.Range(func(key, value any) bool {
		log.Printf("  error %q: %d", key, atomic.LoadInt64(value.(*int64)))
		return true
	})
}
