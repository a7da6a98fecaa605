package monitor

import (
	"sync/atomic"
	"time"
)

// Stats are counters other goroutines may read while the monitor runs.
type Stats struct {
	startedAt time.Time

	cycles          atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	reconnects      atomic.Uint64
	backfilled      atomic.Uint64
	backfillMatches atomic.Uint64
	events          atomic.Uint64
	stale           atomic.Uint64
	replayed        atomic.Uint64
	matches         atomic.Uint64
	rejected        atomic.Uint64
	floodWaits      atomic.Uint64
	listening       atomic.Int32
	// attempt is the connect attempt in progress, 0 once connected.
	attempt   atomic.Int32
	lastEvent atomic.Int64
	state     atomic.Int32
}

func newStats() *Stats { return &Stats{startedAt: time.Now()} }

type StatsSnapshot struct {
	StartedAt       time.Time `json:"started_at"`
	State           string    `json:"state"`
	Cycles          uint64    `json:"cycles"`
	Connects        uint64    `json:"connects"`
	ConnectFailures uint64    `json:"connect_failures"`
	ConnectAttempt  int       `json:"connect_attempt,omitempty"`
	Reconnects      uint64    `json:"reconnects"`
	Backfilled      uint64    `json:"backfilled_channels"`
	BackfillMatches uint64    `json:"backfill_matches"`
	Listening       int       `json:"listening_channels"`
	Events          uint64    `json:"events"`
	Stale           uint64    `json:"stale_events"`
	Replayed        uint64    `json:"replayed"`
	Matches         uint64    `json:"matches"`
	Rejected        uint64    `json:"rejected"`
	FloodWaits      uint64    `json:"flood_waits"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		StartedAt:       s.startedAt,
		State:           ConnState(s.state.Load()).String(),
		Cycles:          s.cycles.Load(),
		Connects:        s.connects.Load(),
		ConnectFailures: s.connectFailures.Load(),
		ConnectAttempt:  int(s.attempt.Load()),
		Reconnects:      s.reconnects.Load(),
		Backfilled:      s.backfilled.Load(),
		BackfillMatches: s.backfillMatches.Load(),
		Listening:       int(s.listening.Load()),
		Events:          s.events.Load(),
		Stale:           s.stale.Load(),
		Replayed:        s.replayed.Load(),
		Matches:         s.matches.Load(),
		Rejected:        s.rejected.Load(),
		FloodWaits:      s.floodWaits.Load(),
	}
	if ns := s.lastEvent.Load(); ns > 0 {
		snap.LastEventAt = time.Unix(0, ns)
	}
	return snap
}
