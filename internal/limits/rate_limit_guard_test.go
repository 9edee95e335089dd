package limits

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(clock *fakeClock) *RateLimitGuard {
	return NewRateLimitGuard(DefaultLimits(), zerolog.Nop(), clock.Now)
}

func TestCanSendMessageFixedWindow(t *testing.T) {
	clock := newFakeClock()
	guard := newTestGuard(clock)

	for i := 0; i < 10; i++ {
		require.True(t, guard.CanSendMessage(1), "message %d", i+1)
	}
	assert.False(t, guard.CanSendMessage(1), "11th message in the same second")

	clock.Advance(999 * time.Millisecond)
	assert.False(t, guard.CanSendMessage(1), "window has not elapsed")

	clock.Advance(time.Millisecond)
	assert.True(t, guard.CanSendMessage(1), "window reset after one second")
}

func TestConnectionWindowsAreIndependent(t *testing.T) {
	guard := newTestGuard(newFakeClock())

	for i := 0; i < 10; i++ {
		guard.CanSendMessage(1)
	}
	assert.False(t, guard.CanSendMessage(1))
	assert.True(t, guard.CanSendMessage(2))
}

func TestTenantWindow(t *testing.T) {
	clock := newFakeClock()
	guard := NewRateLimitGuard(Limits{TenantMessagesPerSec: 3}, zerolog.Nop(), clock.Now)

	for i := 0; i < 3; i++ {
		require.True(t, guard.CanSendMessageForTenant("T1"))
	}
	assert.False(t, guard.CanSendMessageForTenant("T1"))
	assert.True(t, guard.CanSendMessageForTenant("T2"))

	clock.Advance(time.Second)
	assert.True(t, guard.CanSendMessageForTenant("T1"))
}

func TestAllowMessageChecksConnectionFirst(t *testing.T) {
	clock := newFakeClock()
	guard := NewRateLimitGuard(Limits{ConnectionMessagesPerSec: 2, TenantMessagesPerSec: 3}, zerolog.Nop(), clock.Now)

	ok, _ := guard.AllowMessage(1, "T1")
	require.True(t, ok)
	ok, _ = guard.AllowMessage(1, "T1")
	require.True(t, ok)

	ok, scope := guard.AllowMessage(1, "T1")
	assert.False(t, ok)
	assert.Equal(t, ScopeConnection, scope)

	// connection 1's refusal did not spend tenant budget
	ok, _ = guard.AllowMessage(2, "T1")
	assert.True(t, ok)

	ok, scope = guard.AllowMessage(3, "T1")
	assert.False(t, ok)
	assert.Equal(t, ScopeTenant, scope)

	// unauthenticated connections only have the connection gate
	ok, _ = guard.AllowMessage(4, "")
	assert.True(t, ok)
}

func TestConnectionCeiling(t *testing.T) {
	guard := newTestGuard(newFakeClock())

	for i := 0; i < 50; i++ {
		guard.RegisterConnection("T")
	}
	assert.False(t, guard.CanAcceptConnection("T"))
	assert.False(t, guard.TryRegisterConnection("T"))
	assert.True(t, guard.CanAcceptConnection("other"))

	guard.UnregisterConnection("T")
	assert.True(t, guard.CanAcceptConnection("T"))
	assert.True(t, guard.TryRegisterConnection("T"))
	assert.Equal(t, 50, guard.GetStats().ConnectionsPerTenant["T"])
}

func TestUnregisterFloorsAtZero(t *testing.T) {
	guard := newTestGuard(newFakeClock())

	guard.UnregisterConnection("T")
	guard.RegisterConnection("T")
	guard.UnregisterConnection("T")
	guard.UnregisterConnection("T")

	stats := guard.GetStats()
	_, present := stats.ConnectionsPerTenant["T"]
	assert.False(t, present, "entry removed at zero")

	guard.RegisterConnection("T")
	assert.Equal(t, 1, guard.GetStats().ConnectionsPerTenant["T"])
}

func TestCleanupConnection(t *testing.T) {
	guard := newTestGuard(newFakeClock())

	require.True(t, guard.TryRegisterConnection("T1"))
	require.True(t, guard.TryRegisterConnection("T1"))
	for i := 0; i < 10; i++ {
		guard.CanSendMessage(7)
	}
	require.False(t, guard.CanSendMessage(7))

	guard.CleanupConnection(7, "T1")

	stats := guard.GetStats()
	assert.Equal(t, 1, stats.ConnectionsPerTenant["T1"])
	assert.Zero(t, stats.TrackedConnectionWindows)

	// a new window starts fresh
	assert.True(t, guard.CanSendMessage(7))

	// connections that never authenticated have no tenant slot
	guard.CleanupConnection(8, "")
	assert.Equal(t, 1, guard.GetStats().ConnectionsPerTenant["T1"])
}

func TestGetStats(t *testing.T) {
	clock := newFakeClock()
	guard := newTestGuard(clock)

	guard.RegisterConnection("T1")
	guard.RegisterConnection("T2")
	guard.AllowMessage(1, "T1")
	guard.AllowMessage(2, "T1")

	stats := guard.GetStats()
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.Equal(t, 2, stats.MessagesPerTenantPerSecond["T1"])
	assert.Equal(t, 2, stats.TrackedConnectionWindows)
	assert.Equal(t, DefaultLimits(), stats.Limits)

	clock.Advance(2 * time.Second)
	assert.Empty(t, guard.GetStats().MessagesPerTenantPerSecond, "stale windows are not reported")
}

func TestConcurrentSameKey(t *testing.T) {
	guard := NewRateLimitGuard(Limits{ConnectionMessagesPerSec: 100, TenantMessagesPerSec: 1000}, zerolog.Nop(), newFakeClock().Now)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if guard.CanSendMessage(42) {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), allowed.Load(), "no lost or extra increments")
}

func TestConcurrentRegisterRespectsCeiling(t *testing.T) {
	guard := newTestGuard(newFakeClock())

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.TryRegisterConnection("T") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), admitted.Load())
	assert.Equal(t, 50, guard.GetStats().ConnectionsPerTenant["T"])
}
