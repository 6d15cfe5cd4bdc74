package client

import (
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

// keepAliveLoop sends PINGREQ after Config.KeepAlive without outbound traffic
// and tears the connection down if PINGRESP does not follow within
// Config.PingTimeout.
func (c *Client) keepAliveLoop(conn *connection) {
	interval := c.cfg.KeepAlive
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-timer.C:
		}

		now := time.Now()

		c.mu.Lock()
		pingSent := conn.pingSent
		c.mu.Unlock()

		if !pingSent.IsZero() {
			waited := now.Sub(pingSent)
			if waited >= c.cfg.PingTimeout {
				c.logger.Warn("keep-alive timeout",
					"broker", c.cfg.Broker,
					"waited", waited,
				)
				c.teardown(conn, ErrKeepAliveTimeout)
				return
			}
			timer.Reset(c.cfg.PingTimeout - waited)
			continue
		}

		idle := now.Sub(time.Unix(0, conn.lastSent.Load()))
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}

		c.mu.Lock()
		conn.pingSent = now
		c.mu.Unlock()

		c.enqueue(conn, &packet.Pingreq{})
		timer.Reset(c.cfg.PingTimeout)
	}
}
