package peer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/protocol"
)

// connect dials the endpoint until it succeeds or ctx is done, writing the
// handshake frames after each successful dial. The first failure of a
// streak is logged at once, later ones at most every FailureLogInterval, and
// the success that ends a logged streak is logged once.
func (c *Connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	role := c.Role().String()
	failures := 0
	reported := false
	failureLog := &rate.Sometimes{First: 1, Interval: c.opts.FailureLogInterval}

	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		err := c.dial(ctx)
		if err == nil {
			if reported {
				c.logger.Info("connected after failures",
					logging.KeyEndpoint, c.endpoint,
					logging.KeyCount, failures)
			} else {
				c.logger.Debug("connected", logging.KeyEndpoint, c.endpoint, logging.KeyRole, role)
			}
			return nil
		}

		failures++
		c.opts.Metrics.RecordConnectFailure(role)
		failureLog.Do(func() {
			reported = true
			c.logger.Warn("connect failed, retrying",
				logging.KeyEndpoint, c.endpoint,
				logging.KeyRole, role,
				logging.KeyCount, failures,
				logging.KeyError, err)
		})

		timer := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// dial makes one connection attempt including the handshake.
func (c *Connection) dial(ctx context.Context) error {
	conn, err := c.opts.Dial(ctx, "tcp", c.endpoint)
	if err != nil {
		return err
	}

	for _, f := range c.handshake {
		data, err := f.Encode()
		if err == nil {
			_, err = conn.Write(data)
		}
		if err != nil {
			conn.Close()
			return fmt.Errorf("handshake %s: %w", f.Command, err)
		}
		c.opts.Metrics.RecordFrameSent(f.Command.String())
	}

	c.setSocket(conn)
	return nil
}

// writeFrame writes one frame to the current socket.
func (c *Connection) writeFrame(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.socket()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}

	c.opts.Metrics.RecordFrameSent(f.Command.String())
	return nil
}
