package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat pings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 25 * time.Second}
}

// heartbeat sends a WebSocket ping frame on every tick until the connection
// is closed. A failed ping closes the connection, which the read loop then
// reports through OnClose.
func (c *Conn) heartbeat(cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.WritePing(); err != nil {
				log.Printf("[ws] heartbeat ping failed: %v", err)
				c.fail(err)
				return
			}
		}
	}
}

// WritePing sends a masked ping frame (opcode 0x9).
func (c *Conn) WritePing() error {
	return c.write(ws.OpPing, nil)
}
