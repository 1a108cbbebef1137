package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalConns   atomic.Int64 // cumulative count of accepted connections
	ClosedConns  atomic.Int64 // cumulative count of closed connections
	Logins       atomic.Int64 // successful LOGIN/CREATE transitions
	LoginRejects atomic.Int64 // logins answered with a non-OK code
	Violations   atomic.Int64 // connections closed for a protocol violation
	BytesSent    atomic.Int64 // cumulative envelope bytes written to clients
	BytesRecv    atomic.Int64 // cumulative envelope bytes read from clients
	Relayed      atomic.Int64 // mavlink payloads forwarded through tunnels
	Dropped      atomic.Int64 // payloads dropped (full queues, refused commands)
}

func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) AddLogin()       { s.Logins.Add(1) }
func (s *stats) AddLoginReject() { s.LoginRejects.Add(1) }
func (s *stats) AddViolation()   { s.Violations.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRelayed()     { s.Relayed.Add(1) }
func (s *stats) AddDropped()     { s.Dropped.Add(1) }

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalConns   int64 `json:"total_conns" cbor:"total_conns"`
	ClosedConns  int64 `json:"closed_conns" cbor:"closed_conns"`
	OpenConns    int64 `json:"open_conns" cbor:"open_conns"`
	Logins       int64 `json:"logins" cbor:"logins"`
	LoginRejects int64 `json:"login_rejects" cbor:"login_rejects"`
	Violations   int64 `json:"violations" cbor:"violations"`
	BytesSent    int64 `json:"bytes_sent" cbor:"bytes_sent"`
	BytesRecv    int64 `json:"bytes_recv" cbor:"bytes_recv"`
	Relayed      int64 `json:"relayed" cbor:"relayed"`
	Dropped      int64 `json:"dropped" cbor:"dropped"`
}

// Snapshot copies the current counter values.
func (s *stats) Snapshot() StatsSnapshot {
	total := s.TotalConns.Load()
	closed := s.ClosedConns.Load()
	return StatsSnapshot{
		TotalConns:   total,
		ClosedConns:  closed,
		OpenConns:    total - closed,
		Logins:       s.Logins.Load(),
		LoginRejects: s.LoginRejects.Load(),
		Violations:   s.Violations.Load(),
		BytesSent:    s.BytesSent.Load(),
		BytesRecv:    s.BytesRecv.Load(),
		Relayed:      s.Relayed.Load(),
		Dropped:      s.Dropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, active := formatDelta(prev, cur, reportInterval.Seconds()); active {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatDelta renders the change between two snapshots taken secs apart.
// The boolean is false when nothing worth reporting happened.
func formatDelta(prev, cur StatsSnapshot, secs float64) (string, bool) {
	inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
	outS := float64(cur.BytesSent-prev.BytesSent) / secs
	opened := cur.TotalConns - prev.TotalConns
	closed := cur.ClosedConns - prev.ClosedConns
	relayed := cur.Relayed - prev.Relayed
	dropped := cur.Dropped - prev.Dropped

	active := opened > 0 || closed > 0 || relayed > 0 || dropped > 0 || inS > 10 || outS > 10
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ (%d open) | Relay: %d fwd %d drop",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
		cur.OpenConns,
		relayed,
		dropped,
	), active
}
