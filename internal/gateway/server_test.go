package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/kha997/zenamanagephp-sub064/internal/auth"
	"github.com/kha997/zenamanagephp-sub064/internal/limits"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server   *Server
	registry *Registry
	url      string
}

func newTestServer(t *testing.T, cfg ServerConfig, handshakes *limits.ConnectionRateLimiter) *testServer {
	t.Helper()

	directory := auth.NewStaticDirectory(auth.StaticData{
		Tokens: map[string]auth.StaticToken{
			"tok-alice": {UserID: "alice"},
		},
		Users: map[string]auth.StaticUser{
			"alice": {TenantID: "T1", Name: "Alice", Active: true, Permissions: []string{"tasks.view"}},
		},
		Resources: map[string]string{"tasks:X1": "T1"},
	})
	guard := auth.NewGuard(auth.GuardConfig{Tokens: directory, Directory: directory, Logger: zerolog.Nop()})
	limiter := limits.NewRateLimitGuard(limits.DefaultLimits(), zerolog.Nop(), nil)
	registry := NewRegistry(guard, limiter, Options{Logger: zerolog.Nop()})

	cfg.Addr = "127.0.0.1:0"
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 100 * time.Millisecond
	}
	server := NewServer(cfg, registry, limiter, handshakes, nil, zerolog.Nop())
	require.NoError(t, server.Start())

	ts := &testServer{server: server, registry: registry, url: "ws://" + server.Addr() + "/ws"}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return ts
}

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, url string) (*wsClient, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		// the server's first frame may have arrived with the handshake response
		r = io.MultiReader(br, conn)
	}
	return &wsClient{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}, nil
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c.conn, data))
}

func (c *wsClient) read(t *testing.T) map[string]any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketRoundTrip(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	client, err := dial(t, ts.url)
	require.NoError(t, err)

	ack := client.read(t)
	assert.Equal(t, protocol.TypeConnection, ack["type"])
	assert.Equal(t, protocol.StatusConnected, ack["status"])
	assert.NotZero(t, ack["connection_id"])

	client.send(t, map[string]any{"type": "authenticate", "token": "tok-alice"})
	reply := client.read(t)
	assert.Equal(t, protocol.StatusSuccess, reply["status"])
	assert.Equal(t, "T1", reply["tenant_id"])

	client.send(t, map[string]any{"type": "subscribe", "channels": []string{"tenant:T1:tasks:X1", "tenant:T2:tasks"}})
	reply = client.read(t)
	assert.Equal(t, protocol.StatusPartial, reply["status"])
	assert.Equal(t, []string{"tenant:T1:tasks:X1"}, toStrings(reply["channels"]))

	n, err := ts.registry.BroadcastToChannel("tenant:T1:tasks:X1", Event{
		Type:    "task_updated",
		Payload: json.RawMessage(`{"status":"done"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	event := client.read(t)
	assert.Equal(t, "task_updated", event["type"])
	assert.Equal(t, "done", event["status"])

	client.send(t, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.TypePong, client.read(t)["type"])
}

func TestClientCloseTearsDownConnection(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	client, err := dial(t, ts.url)
	require.NoError(t, err)
	client.read(t)
	require.Equal(t, 1, ts.registry.Count())

	require.NoError(t, wsutil.WriteClientMessage(client.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))

	assert.Eventually(t, func() bool {
		return ts.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBinaryFramesAreRejected(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	client, err := dial(t, ts.url)
	require.NoError(t, err)
	client.read(t)

	require.NoError(t, wsutil.WriteClientBinary(client.conn, []byte{0x01, 0x02}))
	reply := client.read(t)
	assert.Equal(t, protocol.TypeError, reply["type"])
	assert.Equal(t, protocol.CodeInvalidMessageFormat, reply["code"])
	assert.Equal(t, 1, ts.registry.Count())
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, ServerConfig{Pump: PumpConfig{MaxMessageSize: 64}}, nil)

	client, err := dial(t, ts.url)
	require.NoError(t, err)
	client.read(t)

	big := `{"type":"ping","padding":"` + strings.Repeat("x", 200) + `"}`
	require.NoError(t, wsutil.WriteClientText(client.conn, []byte(big)))

	assert.Eventually(t, func() bool {
		return ts.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRateLimit(t *testing.T) {
	handshakes := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst: 1,
		IPRate:  0.001,
		Logger:  zerolog.Nop(),
	})
	ts := newTestServer(t, ServerConfig{}, handshakes)

	first, err := dial(t, ts.url)
	require.NoError(t, err)
	first.read(t)

	_, err = dial(t, ts.url)
	assert.Error(t, err)
	assert.Equal(t, 1, ts.registry.Count())
}

func TestMaxConnectionsRejectsUpgrade(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxConnections: 1}, nil)

	first, err := dial(t, ts.url)
	require.NoError(t, err)
	first.read(t)

	_, err = dial(t, ts.url)
	assert.Error(t, err)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxConnections: 10}, nil)
	base := "http://" + ts.server.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["healthy"])

	resp2, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.Contains(t, stats, "registry")
	assert.Contains(t, stats, "rate_limit")
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	ts := newTestServer(t, ServerConfig{ShutdownGrace: 50 * time.Millisecond}, nil)

	client, err := dial(t, ts.url)
	require.NoError(t, err)
	client.read(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Shutdown(ctx))

	assert.Zero(t, ts.registry.Count())

	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wsutil.ReadServerText(client.rw)
	assert.Error(t, err)

	rec := httptest.NewRecorder()
	ts.server.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"remote addr", "", "10.0.0.1:5555", "10.0.0.1"},
		{"forwarded single", "203.0.113.9", "10.0.0.1:5555", "203.0.113.9"},
		{"forwarded chain", "203.0.113.9, 10.0.0.2", "10.0.0.1:5555", "203.0.113.9"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}

func TestCheckResourcesWithoutMonitorAccepts(t *testing.T) {
	s := &Server{config: ServerConfig{CPURejectThreshold: 1}}
	accept, reason := s.checkResources()
	assert.True(t, accept)
	assert.Empty(t, reason)
}

func TestCPUThresholdIsInclusive(t *testing.T) {
	assert.True(t, cpuOverThreshold(80, 80))
	assert.True(t, cpuOverThreshold(95.5, 80))
	assert.False(t, cpuOverThreshold(79.9, 80))
	assert.False(t, cpuOverThreshold(100, 0), "zero threshold disables the check")
}

func TestNearCapacityIsInclusive(t *testing.T) {
	near, pct := nearCapacity(9, 10)
	assert.True(t, near)
	assert.InDelta(t, 90.0, pct, 0.001)

	near, _ = nearCapacity(8, 10)
	assert.False(t, near)

	near, _ = nearCapacity(100, 0)
	assert.False(t, near)
}
