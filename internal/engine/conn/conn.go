// Package conn implements the Connection state machine: the per-socket
// actor that drives one HTTP/FTP/SOCKS leg of a download through its
// protocol handshake and into steady-state transfer. Go's goroutine +
// blocking-I/O model already gives each Connection its own completion
// continuation (see internal/engine/reactor), so this package's job is
// just the Op-dispatch loop and the two-phase close state machine spec
// .md §9 calls for in place of the source's tri-state cleanup field
// plus pending-ops refcount.
package conn

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Op identifies a step of a Connection's protocol handshake or
// transfer loop. Every protocol path in spec.md §4.2 (HTTP-direct,
// HTTPS-direct, HTTPS-via-CONNECT-proxy, SOCKS4/4a/5-via-proxy, FTP
// control+data, inbound-server) is a sequence of these ops dispatched
// by Connection.Dispatch.
type Op int

const (
	OpConnect Op = iota
	OpClientHandshakeResponse
	OpClientHandshakeReply
	OpServerHandshakeResponse
	OpServerHandshakeReply
	OpGetCONNECTResponse
	OpSOCKSResponse
	OpGetRequest
	OpGetContent
	OpResumeGetContent
	OpWrite
	OpWriteFile
	OpKeepAlive
	OpAccept
	OpShutdown
	OpClose
)

func (o Op) String() string {
	names := [...]string{
		"Connect", "ClientHandshakeResponse", "ClientHandshakeReply",
		"ServerHandshakeResponse", "ServerHandshakeReply", "GetCONNECTResponse",
		"SOCKSResponse", "GetRequest", "GetContent", "ResumeGetContent",
		"Write", "WriteFile", "KeepAlive", "Accept", "Shutdown", "Close",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}

// CloseState is the two-phase close state machine replacing the
// source's magic 0/1/2/10 cleanup field: a connection asked to close
// gracefully (Closing) still finishes its in-flight op and flushes
// pending writes; ForceClosing tears down immediately regardless of
// pending ops; Dead means the underlying socket is gone.
type CloseState int32

const (
	Live CloseState = iota
	Closing
	ForceClosing
	Dead
)

func (s CloseState) String() string {
	switch s {
	case Live:
		return "live"
	case Closing:
		return "closing"
	case ForceClosing:
		return "force_closing"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Connection is one socket's worth of protocol state machine: the
// underlying conn, which Op it's currently dispatching, its close
// state, and the cross-references to its owning Download and (for FTP)
// sibling control/data connection, resolved by ID through
// internal/engine/registry rather than held as pointers.
type Connection struct {
	ID         string
	DownloadID string
	SiblingID  string // FTP data <-> control connection, empty otherwise

	mu        sync.Mutex
	netConn   net.Conn
	tlsConn   *tls.Conn
	CurrentOp Op
	NextOp    Op

	closeState   atomic.Int32
	pendingOps   atomic.Int32
	lastActivity atomic.Int64 // unix nano

	cancel context.CancelFunc
}

// New creates a Connection in the Live state, bound to the given
// download and assigned id.
func New(id, downloadID string) *Connection {
	c := &Connection{ID: id, DownloadID: downloadID, CurrentOp: OpConnect}
	c.closeState.Store(int32(Live))
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) State() CloseState {
	return CloseState(c.closeState.Load())
}

// BeginOp records that an operation is starting, bumping the pending
// count. Call EndOp when it finishes, paired even on error paths.
func (c *Connection) BeginOp(op Op) {
	c.mu.Lock()
	c.CurrentOp = op
	c.mu.Unlock()
	c.pendingOps.Add(1)
	c.touch()
}

func (c *Connection) EndOp() {
	c.pendingOps.Add(-1)
	c.touch()
}

func (c *Connection) PendingOps() int32 {
	return c.pendingOps.Load()
}

// RequestClose asks the connection to wind down gracefully: it
// finishes its current op and any queued write before actually
// closing the socket. Safe to call multiple times.
func (c *Connection) RequestClose() {
	c.closeState.CompareAndSwap(int32(Live), int32(Closing))
}

// ForceClose tears the connection down immediately regardless of
// pending ops, used on stall-timeout or health-check failure.
func (c *Connection) ForceClose() {
	for {
		cur := CloseState(c.closeState.Load())
		if cur == Dead {
			return
		}
		if c.closeState.CompareAndSwap(int32(cur), int32(ForceClosing)) {
			break
		}
	}
	c.closeNow()
}

// ShouldClose reports whether the connection's state machine has
// decided this op should be its last (Closing with no pending ops
// left, or already ForceClosing or Dead).
func (c *Connection) ShouldClose() bool {
	switch c.State() {
	case ForceClosing, Dead:
		return true
	case Closing:
		return c.PendingOps() == 0
	default:
		return false
	}
}

// FinishClose transitions Closing -> Dead once the caller has
// confirmed no pending ops remain and flushed whatever needed
// flushing; it then closes the underlying socket.
func (c *Connection) FinishClose() {
	c.closeState.Store(int32(Dead))
	c.closeNow()
}

func (c *Connection) closeNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.closeState.Store(int32(Dead))
}

// Bind attaches the dialed socket (and optional TLS wrapper) and the
// cancel func for this connection's op-dispatch context.
func (c *Connection) Bind(nc net.Conn, tc *tls.Conn, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netConn = nc
	c.tlsConn = tc
	c.cancel = cancel
}

// Conn returns the active net.Conn for I/O: the TLS wrapper if present,
// else the raw socket.
func (c *Connection) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.netConn
}

// Dispatch advances the connection by running step for CurrentOp and,
// on success, moving CurrentOp to NextOp. step returns the Op to
// transition to next; returning the same Op signals "stay", used by
// ops like GetContent that loop until EOF.
func (c *Connection) Dispatch(ctx context.Context, step func(ctx context.Context, op Op) (next Op, err error)) error {
	c.BeginOp(c.CurrentOp)
	defer c.EndOp()

	next, err := step(ctx, c.CurrentOp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.NextOp = next
	c.CurrentOp = next
	c.mu.Unlock()
	return nil
}
