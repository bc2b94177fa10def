package peer

import (
	"strconv"
	"time"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/protocol"
)

// HeartbeatTick advances the heartbeat state by elapsed. A responder queues
// a Heartbeat each time its interval passes. A requester that hears nothing
// for its read timeout drops the socket so that the bridge loop reconnects.
func (c *Connection) HeartbeatTick(elapsed time.Duration) {
	if c.IsClosed() {
		return
	}

	if tx := c.txInterval.Load(); tx > 0 {
		if c.elapsed.Add(int64(elapsed)) < tx {
			return
		}
		c.elapsed.Store(0)

		if !c.opts.HeartbeatsEnabled() {
			c.opts.Metrics.RecordHeartbeatSkipped()
			c.logger.Info("heartbeat transmission disabled, skipping")
			return
		}
		if err := c.Send(protocol.CommandHeartbeat, ""); err != nil {
			c.logger.Debug("heartbeat not sent", logging.KeyError, err)
			return
		}
		c.opts.Metrics.RecordHeartbeatSent()
		return
	}

	if rt := c.readTimeout.Load(); rt > 0 {
		if c.State() != StateConnected {
			c.elapsed.Store(0)
			return
		}
		if c.elapsed.Add(int64(elapsed)) < rt {
			return
		}
		c.elapsed.Store(0)

		c.opts.Metrics.RecordHeartbeatTimeout()
		c.logger.Warn("heartbeat timeout, reconnecting",
			logging.KeyEndpoint, c.endpoint,
			logging.KeyDuration, time.Duration(rt))
		c.dropSocket(nil)
	}
}

func formatSeconds(seconds int) string {
	return strconv.Itoa(seconds)
}
