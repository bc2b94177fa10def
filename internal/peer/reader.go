package peer

import (
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/protocol"
	"github.com/postalsys/wolbridge/internal/recovery"
)

// Start runs the reader for inbound and bridge client connections. Bridge
// clients also connect, and keep reconnecting until the connection is
// closed. Foreground and relay connections have no reader.
func (c *Connection) Start() {
	switch {
	case c.Role() == RoleBridgeClientSide:
		c.wg.Add(1)
		go c.bridgeLoop()
	case c.inbound:
		c.wg.Add(1)
		go c.readLoop()
	}
}

// readLoop serves an inbound socket until it fails or an unnamed peer has
// had its wakeup handled.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "peer.readLoop")
	defer c.Close()

	conn := c.socket()
	if conn == nil {
		return
	}

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			if !c.IsClosed() {
				c.logger.Debug("read ended",
					logging.KeyRemoteAddr, conn.RemoteAddr().String(),
					logging.KeyBridge, c.Name(),
					logging.KeyError, err)
			}
			return
		}

		if !c.dispatch(f) {
			return
		}
	}
}

// bridgeLoop keeps a bridge client connected: connect with handshake,
// register, read until the socket drops, repeat.
func (c *Connection) bridgeLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "peer.bridgeLoop")

	if c.ReadTimeout() > 0 && c.opts.Scheduler != nil {
		c.opts.Scheduler.Add(c)
	}

	for {
		if err := c.connect(c.ctx); err != nil {
			return
		}

		c.elapsed.Store(0)
		if c.opts.Registry != nil {
			c.opts.Registry.Add(c.Name(), c)
		}
		c.logger.Info("bridge connected",
			logging.KeyEndpoint, c.endpoint,
			logging.KeyRemoteAddr, c.RemoteAddr())

		conn := c.socket()
		for conn != nil {
			f, err := protocol.ReadFrame(conn)
			if err != nil {
				break
			}
			c.dispatch(f)
		}

		c.dropSocket(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("bridge lost, reconnecting", logging.KeyEndpoint, c.endpoint)
	}
}

// dispatch handles one received frame and reports whether reading should
// continue.
func (c *Connection) dispatch(f protocol.Frame) bool {
	c.opts.Metrics.RecordFrameReceived(f.Command.String())
	if c.readTimeout.Load() > 0 {
		c.elapsed.Store(0)
	}

	switch f.Command {
	case protocol.CommandName:
		c.handleName(f.Text())
		return true

	case protocol.CommandHeartbeatRequest:
		c.handleHeartbeatRequest(f.Text())
		return true

	case protocol.CommandWakeup:
		c.handleWakeup(f.Text())
		return c.Name() != ""

	case protocol.CommandHeartbeat:
		c.logger.Debug("heartbeat received", logging.KeyBridge, c.Name())
		return true

	default:
		c.logger.Warn("ignoring unexpected frame",
			logging.KeyCommand, f.Command.String(),
			logging.KeyBridge, c.Name())
		return true
	}
}

// handleName promotes an unnamed inbound connection to a server-side bridge.
func (c *Connection) handleName(raw string) {
	name := NormalizeName(strings.TrimSpace(raw))
	if name == "" || c.Role() != RoleBackground || !c.setName(name) {
		c.logger.Debug("ignoring name frame", logging.KeyBridge, name)
		return
	}

	c.role.Store(int32(RoleBridgeServerSide))
	c.opts.Metrics.RecordRoleChange(RoleBackground.String(), RoleBridgeServerSide.String())

	if c.opts.Registry != nil {
		c.opts.Registry.Add(name, c)
	}
	c.logger.Info("bridge registered",
		logging.KeyBridge, name,
		logging.KeyRemoteAddr, c.RemoteAddr())
}

// handleHeartbeatRequest makes a named server-side bridge start sending
// heartbeats. Only the first valid request is honored.
func (c *Connection) handleHeartbeatRequest(raw string) {
	if c.Role() != RoleBridgeServerSide || c.Name() == "" || c.txInterval.Load() != 0 {
		c.logger.Debug("ignoring heartbeat request", logging.KeyPayload, raw)
		return
	}

	seconds, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || seconds < protocol.MinHeartbeatSeconds {
		c.logger.Warn("invalid heartbeat request", logging.KeyPayload, raw)
		return
	}

	interval := time.Duration(seconds) * time.Second
	if !c.txInterval.CompareAndSwap(0, int64(interval)) {
		return
	}
	c.elapsed.Store(0)
	if c.opts.Scheduler != nil {
		c.opts.Scheduler.Add(c)
	}
	c.logger.Info("heartbeat requested", logging.KeyBridge, c.Name(), logging.KeyInterval, interval)
}

// handleWakeup routes the payload. Connections that are not bridges
// acknowledge once routing has been started, whatever its outcome.
func (c *Connection) handleWakeup(payload string) {
	c.logger.Info("wakeup received", logging.KeyPayload, payload, logging.KeyRole, c.Role().String())

	if c.opts.Handler != nil {
		c.opts.Handler.HandleWakeup(c.ctx, payload)
	}

	if c.Role().IsBridge() {
		return
	}
	ack, _ := protocol.NewFrame(protocol.CommandWakeupAck, "")
	if err := c.writeFrame(ack); err != nil {
		c.logger.Warn("failed to send wakeup acknowledgement", logging.KeyError, err)
	}
}
