package gateway

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/auth"
)

// Connection is one live socket.
//
// Identity and subscriptions are guarded by the owning Registry's mutex and
// are only written at lifecycle points: bind on authenticate, add and remove
// on subscribe and unsubscribe, clear on teardown.
type Connection struct {
	id        int64
	conn      net.Conn // nil for connections opened without a transport in tests
	remoteIP  string
	createdAt time.Time

	// guarded by Registry.mu
	identity      auth.Identity
	authenticated bool
	tenantSlot    bool // a tenant connection slot is held in the rate limiter
	subscriptions map[string]struct{}
	closed        bool

	// Outbound queue. Never closed: writers select on done instead.
	send chan []byte
	done chan struct{}

	// ctx is cancelled on teardown so in-flight collaborator calls stop
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce       sync.Once
	writeMu         sync.Mutex // serializes socket writes between the write pump and control replies
	overflowStrikes atomic.Int32
	protocolErrors  int // touched only by the read goroutine
	closeReason     atomic.Value
}

// ID returns the process-unique connection id
func (c *Connection) ID() int64 {
	return c.id
}

// CreatedAt returns when the socket was opened
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Done is closed once the connection has been torn down
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send exposes the outbound queue for the write pump and tests
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// CloseReason is the disconnect reason, empty while the connection is live
func (c *Connection) CloseReason() string {
	if v, ok := c.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

// lockedWriter routes control frame replies through the connection write lock
type lockedWriter struct {
	c *Connection
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
