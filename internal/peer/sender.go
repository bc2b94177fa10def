package peer

import (
	"fmt"
	"time"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/protocol"
	"github.com/postalsys/wolbridge/internal/recovery"
)

// Send transmits a frame. A foreground connection sends synchronously and
// closes afterwards. Every other role queues the frame for its sender
// goroutine, and bridge roles refuse the frame while disconnected.
func (c *Connection) Send(cmd protocol.Command, payload string) error {
	f, err := protocol.NewFrame(cmd, payload)
	if err != nil {
		return err
	}
	if c.IsClosed() {
		return ErrClosed
	}

	role := c.Role()
	if role == RoleForeground {
		return c.sendNow(f)
	}
	if role.IsBridge() && c.State() != StateConnected {
		c.logger.Warn("bridge not connected, dropping frame",
			logging.KeyCommand, cmd.String(),
			logging.KeyBridge, c.Name())
		return ErrNotConnected
	}

	c.workerOnce.Do(func() {
		c.wg.Add(1)
		go c.sendLoop()
	})

	select {
	case c.queue <- f:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// sendNow is the foreground path: connect, write, wait for the
// acknowledgement, pause, close.
func (c *Connection) sendNow(f protocol.Frame) error {
	defer c.Close()

	if err := c.connectAndWrite(f); err != nil {
		return fmt.Errorf("send %s to %s: %w", f.Command, c.endpoint, err)
	}
	if f.Command == protocol.CommandWakeup {
		c.awaitAck()
	}

	if c.opts.PostSendDelay > 0 {
		timer := time.NewTimer(c.opts.PostSendDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return nil
}

// sendLoop drains the queue. It is the only goroutine that writes queued
// frames on this connection.
func (c *Connection) sendLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "peer.sendLoop", func(any) { c.Close() })

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.queue:
			c.deliver(f)
			if c.closeAfterSend && len(c.queue) == 0 {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) deliver(f protocol.Frame) {
	if c.Role().IsBridge() {
		if c.State() != StateConnected {
			c.logger.Warn("bridge disconnected before send, dropping frame",
				logging.KeyCommand, f.Command.String(),
				logging.KeyBridge, c.Name())
			return
		}
		if err := c.writeFrame(f); err != nil {
			c.logger.Warn("bridge write failed",
				logging.KeyCommand, f.Command.String(),
				logging.KeyBridge, c.Name(),
				logging.KeyError, err)
			c.dropSocket(nil)
		}
		return
	}

	if err := c.connectAndWrite(f); err != nil {
		c.logger.Warn("frame not sent",
			logging.KeyCommand, f.Command.String(),
			logging.KeyEndpoint, c.endpoint,
			logging.KeyError, err)
		return
	}

	// Inbound sockets are read by their reader goroutine.
	if f.Command == protocol.CommandWakeup && !c.inbound {
		c.awaitAck()
	}
}

// connectAndWrite writes f, connecting first when there is no socket. An
// outbound connection whose write fails drops the socket, waits
// RetryInterval and reconnects until the write succeeds or the connection
// is closed. Inbound sockets cannot be redialed and get a single attempt.
func (c *Connection) connectAndWrite(f protocol.Frame) error {
	for {
		if c.socket() == nil {
			if c.inbound {
				return ErrNotConnected
			}
			if err := c.connect(c.ctx); err != nil {
				return err
			}
		}

		err := c.writeFrame(f)
		if err == nil {
			return nil
		}
		c.dropSocket(nil)
		if c.inbound {
			return err
		}

		c.logger.Warn("write failed, reconnecting",
			logging.KeyCommand, f.Command.String(),
			logging.KeyEndpoint, c.endpoint,
			logging.KeyError, err)

		timer := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return c.ctx.Err()
		case <-timer.C:
		}
	}
}

// awaitAck reads the single frame expected after a Wakeup. Anything other
// than a WakeupAck is logged and the send is treated as complete.
func (c *Connection) awaitAck() {
	conn := c.socket()
	if conn == nil {
		return
	}
	if c.opts.AckTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.opts.AckTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		c.opts.Metrics.RecordAck(metrics.AckMissing)
		c.logger.Warn("no wakeup acknowledgement",
			logging.KeyEndpoint, c.endpoint,
			logging.KeyError, err)
		return
	}
	c.opts.Metrics.RecordFrameReceived(reply.Command.String())

	if reply.Command != protocol.CommandWakeupAck {
		c.opts.Metrics.RecordAck(metrics.AckMismatch)
		c.logger.Warn("wakeup acknowledgement mismatch",
			logging.KeyEndpoint, c.endpoint,
			logging.KeyCommand, reply.Command.String(),
			logging.KeyError, ErrAckMismatch)
		return
	}

	c.opts.Metrics.RecordAck(metrics.AckOK)
	c.logger.Debug("wakeup acknowledged", logging.KeyEndpoint, c.endpoint)
}
