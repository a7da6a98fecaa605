package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/monitor"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type healthRecorder struct {
	mu   sync.Mutex
	got  []monitor.HealthStatus
	msgs []string
}

func (h *healthRecorder) SendHealthCheck(_ context.Context, status monitor.HealthStatus, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, status)
	h.msgs = append(h.msgs, message)
}

func (h *healthRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "0 9 * * *", kind: SpecCron},
		{in: "@daily", kind: SpecCron},
		{in: "@every 6h", kind: SpecCron},
		{in: "cron:*/5 * * * *", kind: SpecCron},
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour},
		{in: "12:30", kind: SpecInterval, every: 12*time.Hour + 30*time.Minute},
		{in: "every: 00:45", kind: SpecInterval, every: 45 * time.Minute},
		{in: "interval:90m", kind: SpecInterval, every: 90 * time.Minute},
		{in: "", bad: true},
		{in: "00:00", bad: true},
		{in: "01:75", bad: true},
		{in: "soon", bad: true},
		{in: "61 * * * *", bad: true},
	}
	for _, tt := range tests {
		sp, err := ParseSchedule(tt.in)
		if tt.bad {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, sp.Kind, tt.in)
		assert.Equal(t, tt.every, sp.Every, tt.in)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := monitor.StatsSnapshot{
		StartedAt:       now.Add(-3 * time.Hour),
		State:           "connected",
		Listening:       4,
		Events:          12345,
		Stale:           2,
		Matches:         7,
		Backfilled:      1,
		BackfillMatches: 1,
		Reconnects:      1,
		LastEventAt:     now.Add(-2 * time.Minute),
	}
	out := Summary(s, now)
	assert.Contains(t, out, "connected, 4 channels listening, up 3 hours")
	assert.Contains(t, out, "Events 12,345 (2 stale), matches 7")
	assert.Contains(t, out, "Backfill: 1 channel, 1 match.")
	assert.Contains(t, out, "Last event 2 minutes ago.")

	s.LastEventAt = time.Time{}
	s.BackfillMatches = 3
	out = Summary(s, now)
	assert.Contains(t, out, "3 matches")
	assert.Contains(t, out, "No live events yet.")

	s.State, s.ConnectAttempt = "connecting", 3
	out = Summary(s, now)
	assert.Contains(t, out, "Status report: connecting (attempt 3), 4 channels listening")
}

func TestReportStatusFollowsConnection(t *testing.T) {
	t.Parallel()
	rec := &healthRecorder{}
	state := "connected"
	r := New(rec, func() monitor.StatsSnapshot { return monitor.StatsSnapshot{State: state} }, logx.Nop())

	r.Report(context.Background())
	state = "degraded"
	r.Report(context.Background())

	assert.Equal(t, []monitor.HealthStatus{monitor.HealthConnected, monitor.HealthFailed}, rec.got)
	assert.Equal(t, uint64(2), r.Sent())
}

func TestApplySchedules(t *testing.T) {
	t.Parallel()
	rec := &healthRecorder{}
	r := New(rec, func() monitor.StatsSnapshot { return monitor.StatsSnapshot{State: "connected"} }, logx.Nop())
	defer r.Stop()

	assert.Error(t, r.Apply("whenever", ""))
	assert.Error(t, r.Apply("1h", "Nowhere/Town"))
	assert.True(t, r.Next().IsZero())

	require.NoError(t, r.Apply("1s", "UTC"))
	assert.False(t, r.Next().IsZero())
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Apply("", ""))
	assert.True(t, r.Next().IsZero())
	n := rec.count()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}
