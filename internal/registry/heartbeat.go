// ABOUTME: Periodic liveness sweep that closes connections missing heartbeats
// ABOUTME: A stale close drives the same detach path as a clean disconnect

package registry

import (
	"log/slog"
	"sync"
	"time"
)

// ReasonStale is the close reason for connections dropped by the monitor.
const ReasonStale = "heartbeat timeout"

// Monitor sweeps the registry at a fixed interval and closes any agent
// connection whose last heartbeat is older than misses full intervals.
// Dashboards carry no application heartbeat; their liveness is the
// transport-level ping/pong, so the sweep leaves them alone.
type Monitor struct {
	registry *Registry
	interval time.Duration
	misses   int
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor creates a heartbeat monitor. interval is the expected heartbeat
// cadence; a connection is stale after misses consecutive absences.
func NewMonitor(reg *Registry, interval time.Duration, misses int, logger *slog.Logger) *Monitor {
	if misses <= 0 {
		misses = 3
	}
	return &Monitor{
		registry: reg,
		interval: interval,
		misses:   misses,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Close stops it.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(time.Now().UTC())
			case <-m.done:
				return
			}
		}
	}()
}

// Sweep closes every stale agent connection and returns how many were
// dropped. Exposed for tests; the Start loop calls it on each tick.
func (m *Monitor) Sweep(now time.Time) int {
	deadline := time.Duration(m.misses) * m.interval
	stale := 0

	check := func(conn *Connection) {
		idle := now.Sub(conn.LastHeartbeat())
		if idle > deadline {
			m.logger.Warn("closing stale connection",
				"connection_id", conn.ID,
				"peer_id", conn.PeerID,
				"idle", idle,
			)
			conn.Close(ReasonStale)
			stale++
		}
	}

	m.registry.ForEachAgent(check)
	return stale
}

// Close stops the sweep loop. Safe to call multiple times.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
