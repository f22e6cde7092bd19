package relay

import (
	"log"
	"time"
)

// HeartbeatConfig tunes the liveness sweep.
type HeartbeatConfig struct {
	Interval time.Duration // sweep period
	Timeout  time.Duration // grace beyond the interval before eviction
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches the liveness sweeper. Each tick it pings every
// socket and evicts those with no read activity inside Interval + Timeout.
// Eviction goes through RemoveConnection, so a dead socket's presence
// memberships are deregistered the same way an explicit disconnect would.
// The goroutine exits when the server's done channel closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				server.sweepStale(config)
			}
		}
	}()
}

func (s *Server) sweepStale(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.Connections().All() {
		idle := now.Sub(c.LastPing)
		if idle > deadline {
			log.Printf("relay: heartbeat timeout socket=%s idle=%s",
				c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		// Protocol-level ping; the connection's write mutex keeps it from
		// interleaving with application frames. Browsers pong automatically.
		if err := c.WritePing(); err != nil {
			log.Printf("relay: heartbeat ping failed socket=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}
