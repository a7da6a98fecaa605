// Package report sends a periodic status summary through the health check
// channel of the notification sink.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/HypeDuke/osint3/internal/monitor"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// HealthSender is the part of monitor.Sink the reporter uses.
type HealthSender interface {
	SendHealthCheck(ctx context.Context, status monitor.HealthStatus, message string)
}

type StatsFunc func() monitor.StatsSnapshot

// Reporter runs the status report on a cron or interval schedule.
type Reporter struct {
	log   logx.Logger
	sink  HealthSender
	stats StatsFunc
	now   func() time.Time

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
	spec  Spec
	raw   string
	tz    string

	sent atomic.Uint64
}

func New(sink HealthSender, stats StatsFunc, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		log:   log.With(logx.String("comp", "report")),
		sink:  sink,
		stats: stats,
		now:   time.Now,
	}
}

// Apply (re)schedules the report. An empty schedule stops it. Applying the
// same schedule again is a no-op.
func (r *Reporter) Apply(schedule, tz string) error {
	schedule, tz = strings.TrimSpace(schedule), strings.TrimSpace(tz)

	r.mu.Lock()
	defer r.mu.Unlock()
	if schedule == r.raw && tz == r.tz && (r.c != nil || schedule == "") {
		return nil
	}
	if schedule == "" {
		r.stopLocked()
		r.raw, r.tz = "", tz
		r.log.Info("status report disabled")
		return nil
	}

	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	sched, err := spec.schedule()
	if err != nil {
		return err
	}
	loc := time.Local
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("status report timezone: %w", err)
		}
	}

	r.stopLocked()
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	r.entry = c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Report(ctx)
	}))
	c.Start()
	r.c, r.spec, r.raw, r.tz = c, spec, schedule, tz
	r.log.Info("status report scheduled", logx.String("schedule", spec.String()), logx.String("tz", loc.String()))
	return nil
}

func (r *Reporter) stopLocked() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c, r.entry = nil, 0
}

// Stop cancels the schedule and waits for a running report.
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.raw = ""
	r.mu.Unlock()
}

// Next is the next scheduled run, zero when not scheduled.
func (r *Reporter) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

func (r *Reporter) Sent() uint64 { return r.sent.Load() }

// Report sends one summary now. A monitor that is not connected is
// reported as failed.
func (r *Reporter) Report(ctx context.Context) {
	if r.sink == nil || r.stats == nil {
		return
	}
	snap := r.stats()
	status := monitor.HealthConnected
	if snap.State != monitor.StateConnected.String() {
		status = monitor.HealthFailed
	}
	msg := Summary(snap, r.now())
	r.sink.SendHealthCheck(ctx, status, msg)
	r.sent.Add(1)
	r.log.Debug("status report sent", logx.String("state", snap.State))
}

// Summary formats a stats snapshot for people.
func Summary(s monitor.StatsSnapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status report: %s", s.State)
	if s.ConnectAttempt > 0 {
		fmt.Fprintf(&b, " (attempt %d)", s.ConnectAttempt)
	}
	fmt.Fprintf(&b, ", %s listening", plural(s.Listening, "channel"))
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", up %s", strings.TrimSpace(humanize.RelTime(s.StartedAt, now, "", "")))
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Events %s (%s stale), matches %s, rejected %s.\n",
		humanize.Comma(int64(s.Events)), humanize.Comma(int64(s.Stale)),
		humanize.Comma(int64(s.Matches)), humanize.Comma(int64(s.Rejected)))
	fmt.Fprintf(&b, "Backfill: %s, %s.\n",
		plural(int(s.Backfilled), "channel"), plural(int(s.BackfillMatches), "match"))
	fmt.Fprintf(&b, "Connects %d, failures %d, reconnects %d, flood waits %d.\n",
		s.Connects, s.ConnectFailures, s.Reconnects, s.FloodWaits)
	if s.LastEventAt.IsZero() {
		b.WriteString("No live events yet.")
	} else {
		fmt.Fprintf(&b, "Last event %s.", humanize.RelTime(s.LastEventAt, now, "ago", "from now"))
	}
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	if strings.HasSuffix(word, "ch") {
		return humanize.Comma(int64(n)) + " " + word + "es"
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}
