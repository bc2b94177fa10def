// Package peer manages the TCP connections between wolbridge nodes: the
// per-connection state machine, the outgoing queue, the frame reader and
// the bridge registry.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/wolbridge/internal/heartbeat"
	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNotConnected is returned when a bridge send finds no live socket.
	ErrNotConnected = errors.New("connection not connected")

	// ErrAckMismatch is reported when the frame following a Wakeup is not a WakeupAck.
	ErrAckMismatch = errors.New("unexpected reply to wakeup")
)

// Role describes how a connection was created and how it behaves.
type Role int32

const (
	RoleForeground       Role = iota // One-shot client send
	RoleBackground                   // Inbound socket, or transient outbound relay
	RoleBridgeClientSide             // Persistent outbound bridge
	RoleBridgeServerSide             // Inbound socket promoted by a Name frame
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleForeground:
		return "foreground"
	case RoleBackground:
		return "background"
	case RoleBridgeClientSide:
		return "bridge_client"
	case RoleBridgeServerSide:
		return "bridge_server"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	for _, candidate := range []Role{RoleForeground, RoleBackground, RoleBridgeClientSide, RoleBridgeServerSide} {
		if candidate.String() == string(text) {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", text)
}

// IsBridge reports whether r is one of the bridge roles.
func (r Role) IsBridge() bool {
	return r == RoleBridgeClientSide || r == RoleBridgeServerSide
}

// ConnectionState represents the state of a connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// WakeupHandler routes the payload of a received Wakeup frame.
type WakeupHandler interface {
	HandleWakeup(ctx context.Context, payload string)
}

// Scheduler is the heartbeat scheduler connections subscribe to.
type Scheduler interface {
	Add(sub heartbeat.Subscriber)
	Remove(sub heartbeat.Subscriber)
}

// DialFunc opens a stream to address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options are the dependencies and timings shared by every connection of a node.
type Options struct {
	Registry  *Registry
	Scheduler Scheduler
	Handler   WakeupHandler
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Dial      DialFunc

	RetryInterval      time.Duration // Wait between connect attempts
	FailureLogInterval time.Duration // Minimum gap between repeated connect-failure logs
	HeartbeatGrace     time.Duration // Added to a requested interval to form the read timeout; zero is honored
	QueueSize          int
	AckTimeout         time.Duration // 0 waits until the peer closes
	PostSendDelay      time.Duration // Foreground only

	// HeartbeatsEnabled reports whether heartbeat transmission is on.
	HeartbeatsEnabled func() bool
}

// DefaultOptions returns options with default timings and no collaborators.
func DefaultOptions() Options {
	return Options{
		RetryInterval:      1 * time.Second,
		FailureLogInterval: 60 * time.Second,
		HeartbeatGrace:     5 * time.Second,
		QueueSize:          64,
		AckTimeout:         30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.FailureLogInterval <= 0 {
		o.FailureLogInterval = d.FailureLogInterval
	}
	// A zero grace makes the lease exactly the requested interval, so only
	// negative values fall back to the default.
	if o.HeartbeatGrace < 0 {
		o.HeartbeatGrace = d.HeartbeatGrace
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.Dial == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		o.Dial = dialer.DialContext
	}
	if o.HeartbeatsEnabled == nil {
		o.HeartbeatsEnabled = func() bool { return true }
	}
	return o
}

// Bridge describes a configured outbound bridge link.
type Bridge struct {
	Name             string
	Endpoint         string
	HeartbeatSeconds int
}

// Connection is one TCP link to another node, in one of four roles.
type Connection struct {
	id       string
	endpoint string // Dial target for outbound roles
	opts     Options
	logger   *slog.Logger

	role  atomic.Int32
	state atomic.Int32

	// Set once by the Name frame or the bridge configuration
	nameMu sync.Mutex
	name   string

	// Handshake frames written after every successful dial
	handshake []protocol.Frame

	// Inbound connections have a reader goroutine that owns every read
	inbound bool

	// Transient relay connections close once their queue drains
	closeAfterSend bool

	connMu      sync.RWMutex
	conn        net.Conn
	connectedAt atomic.Int64
	writeMu     sync.Mutex

	queue      chan protocol.Frame
	workerOnce sync.Once

	// Heartbeat state, in nanoseconds
	txInterval  atomic.Int64
	readTimeout atomic.Int64
	elapsed     atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func newConnection(ctx context.Context, role Role, endpoint string, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Connection{
		id:       uuid.NewString(),
		endpoint: endpoint,
		opts:     opts,
		queue:    make(chan protocol.Frame, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	c.role.Store(int32(role))
	c.logger = opts.Logger.With(logging.KeyConnID, c.id)
	opts.Metrics.RecordConnectionOpen(role.String())

	return c
}

// NewForeground creates a one-shot client connection to endpoint. Send on it
// connects, writes, waits for the acknowledgement and closes.
func NewForeground(ctx context.Context, endpoint string, opts Options) *Connection {
	return newConnection(ctx, RoleForeground, endpoint, opts)
}

// NewInbound wraps an accepted socket. Call Start to run its reader.
func NewInbound(ctx context.Context, conn net.Conn, opts Options) *Connection {
	c := newConnection(ctx, RoleBackground, "", opts)
	c.inbound = true
	c.setSocket(conn)
	c.logger.Debug("accepted connection", logging.KeyRemoteAddr, conn.RemoteAddr().String())
	return c
}

// NewRelay creates a transient outbound connection to endpoint that closes
// itself once everything queued on it has been sent.
func NewRelay(ctx context.Context, endpoint string, opts Options) *Connection {
	c := newConnection(ctx, RoleBackground, endpoint, opts)
	c.closeAfterSend = true
	return c
}

// NewBridgeClient creates a persistent outbound bridge. Call Start to run
// its connect and read loop.
func NewBridgeClient(ctx context.Context, b Bridge, opts Options) *Connection {
	c := newConnection(ctx, RoleBridgeClientSide, b.Endpoint, opts)
	c.name = NormalizeName(b.Name)
	c.logger = c.logger.With(logging.KeyBridge, c.name)

	name, _ := protocol.NewFrame(protocol.CommandName, c.name)
	c.handshake = []protocol.Frame{name}
	if b.HeartbeatSeconds > 0 {
		req, _ := protocol.NewFrame(protocol.CommandHeartbeatRequest, formatSeconds(b.HeartbeatSeconds))
		c.handshake = append(c.handshake, req)
		c.readTimeout.Store(int64(time.Duration(b.HeartbeatSeconds)*time.Second + c.opts.HeartbeatGrace))
	}

	return c
}

// ID returns the connection id used in logs.
func (c *Connection) ID() string {
	return c.id
}

// Role returns the current role.
func (c *Connection) Role() Role {
	return Role(c.role.Load())
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// Name returns the bridge name, or "" for unnamed connections.
func (c *Connection) Name() string {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	return c.name
}

// setName records name if none is set yet and reports whether it did.
func (c *Connection) setName(name string) bool {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	if c.name != "" {
		return false
	}
	c.name = name
	return true
}

// Endpoint returns the dial target of an outbound connection.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// RemoteAddr returns the address of the current socket, or "".
func (c *Connection) RemoteAddr() string {
	conn := c.socket()
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// ConnectedSince returns when the current socket was established.
func (c *Connection) ConnectedSince() time.Time {
	ns := c.connectedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// HeartbeatInterval returns the interval at which this side transmits heartbeats.
func (c *Connection) HeartbeatInterval() time.Duration {
	return time.Duration(c.txInterval.Load())
}

// ReadTimeout returns the heartbeat lease this side enforces.
func (c *Connection) ReadTimeout() time.Duration {
	return time.Duration(c.readTimeout.Load())
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Wait blocks until the reader and sender goroutines have exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) socket() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Connection) setSocket(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connectedAt.Store(time.Now().UnixNano())
	c.setState(StateConnected)
}

// dropSocket closes the current socket, or only conn if it is still the
// current one, without closing the connection itself. A blocked read on the
// socket fails, which sends a bridge client back to connecting.
func (c *Connection) dropSocket(conn net.Conn) {
	c.connMu.Lock()
	if c.conn == nil || (conn != nil && c.conn != conn) {
		c.connMu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	c.connMu.Unlock()

	old.Close()
	c.connectedAt.Store(0)
	if c.Role() == RoleBridgeClientSide && !c.IsClosed() {
		c.setState(StateConnecting)
	} else {
		c.setState(StateDisconnected)
	}
}

// Close shuts the connection down. A named connection is removed from the
// registry if it is still the registered entry for its name.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.dropSocket(nil)
		c.setState(StateDisconnected)

		if c.opts.Scheduler != nil {
			c.opts.Scheduler.Remove(c)
		}
		if name := c.Name(); name != "" && c.opts.Registry != nil {
			c.opts.Registry.Remove(name, c)
		}

		c.opts.Metrics.RecordConnectionClose(c.Role().String())
		c.logger.Debug("connection closed", logging.KeyRole, c.Role().String())
	})
	return nil
}

// Info is a point-in-time description of a connection.
type Info struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Role              Role            `json:"role"`
	State             ConnectionState `json:"state"`
	Endpoint          string          `json:"endpoint,omitempty"`
	RemoteAddr        string          `json:"remote_addr,omitempty"`
	ConnectedSince    time.Time       `json:"connected_since"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval"`
	ReadTimeout       time.Duration   `json:"read_timeout"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	return Info{
		ID:                c.id,
		Name:              c.Name(),
		Role:              c.Role(),
		State:             c.State(),
		Endpoint:          c.endpoint,
		RemoteAddr:        c.RemoteAddr(),
		ConnectedSince:    c.ConnectedSince(),
		HeartbeatInterval: c.HeartbeatInterval(),
		ReadTimeout:       c.ReadTimeout(),
	}
}
