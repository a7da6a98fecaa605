// Package monitor is the channel monitoring core: a connection manager with
// backoff and keep-alive, a one-time history backfill per channel and a live
// listener that advances per-channel cursors.
package monitor

import (
	"context"
	"errors"
	"strings"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type Deps struct {
	Client   platform.Client
	Keeper   *state.Keeper
	Sink     Sink
	Channels []channels.Channel
	Log      logx.Logger
	Bus      eventbus.Bus

	// Sleep replaces the real timer; tests pass an instant one.
	Sleep Sleeper
	// OnHeartbeat runs after every successful keep-alive ping.
	OnHeartbeat func()
	// OnState runs on every connection state change.
	OnState func(ConnState)
}

// Monitor drives connect, backfill and listen cycles until its context ends.
type Monitor struct {
	cfg    Config
	log    logx.Logger
	keeper *state.Keeper
	stats  *Stats
	sleep  Sleeper

	channels []channels.Channel
	conn     *ConnectionManager
	searcher *Searcher
	listener *Listener

	// backfilled holds handles already handled by this process.
	backfilled map[string]platform.ChannelID
}

func New(cfg Config, d Deps) *Monitor {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "monitor"))
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	keeper := d.Keeper
	if keeper == nil {
		keeper = state.NewKeeper(nil, log)
	}
	stats := newStats()

	conn := newConnectionManager(d.Client, d.Sink, cfg, log.With(logx.String("comp", "monitor.conn")), d.Bus, stats, sleep)
	conn.onHeartbeat = d.OnHeartbeat
	conn.onState = d.OnState

	m := &Monitor{
		cfg:        cfg,
		log:        log,
		keeper:     keeper,
		stats:      stats,
		sleep:      sleep,
		channels:   d.Channels,
		conn:       conn,
		backfilled: map[string]platform.ChannelID{},
	}
	m.searcher = &Searcher{
		conn:   conn,
		client: d.Client,
		keeper: keeper,
		sink:   d.Sink,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "monitor.search")),
		bus:    d.Bus,
		stats:  stats,
		sleep:  sleep,
	}
	m.listener = &Listener{
		conn:     conn,
		client:   d.Client,
		keeper:   keeper,
		sink:     d.Sink,
		log:      log.With(logx.String("comp", "monitor.listen")),
		bus:      d.Bus,
		stats:    stats,
		channels: d.Channels,
		page:     cfg.CatchUpPage,
		fetch:    m.searcher.fetch,
	}
	return m
}

func (m *Monitor) Stats() *Stats                { return m.stats }
func (m *Monitor) Conn() *ConnectionManager     { return m.conn }
func (m *Monitor) Searcher() *Searcher          { return m.searcher }
func (m *Monitor) Listener() *Listener          { return m.listener }
func (m *Monitor) Channels() []channels.Channel { return m.channels }

// Run loads state and loops through connect, backfill and listen cycles.
// It returns nil when ctx ends and an error only for conditions no retry can
// fix, such as a lost login.
func (m *Monitor) Run(ctx context.Context) error {
	m.keeper.Load(ctx)
	if len(m.channels) == 0 {
		m.log.Warn("no channels configured; nothing to monitor")
	}
	defer m.shutdown(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		m.stats.cycles.Add(1)

		err := m.conn.ConnectWithRetry(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrReauthenticate):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			m.log.Error("connect cycle failed; retrying later", logx.Err(err), logx.Duration("delay", m.cfg.CycleRetryDelay))
			if m.sleep(ctx, m.cfg.CycleRetryDelay) != nil {
				return nil
			}
			continue
		}

		m.backfill(ctx)
		if err := m.conn.Fatal(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		m.keeper.Save(ctx)

		if err := m.listener.SetupChannels(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("no channel can be listened to", logx.Err(err), logx.Duration("delay", m.cfg.ReconnectDelay))
			m.conn.Reset(ctx)
			if m.sleep(ctx, m.cfg.ReconnectDelay) != nil {
				return nil
			}
			continue
		}

		err = m.listener.Listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.stats.reconnects.Add(1)
		m.log.Warn("listening stopped; reconnecting", logx.Err(err), logx.Duration("delay", m.cfg.ReconnectDelay))
		m.conn.Reset(ctx)
		m.keeper.Save(ctx)
		if m.sleep(ctx, m.cfg.ReconnectDelay) != nil {
			return nil
		}
	}
}

// backfill runs the initial search for channels this process has not
// handled yet.
func (m *Monitor) backfill(ctx context.Context) {
	for _, ch := range m.channels {
		if ctx.Err() != nil || m.conn.Fatal() != nil {
			return
		}
		key := strings.ToLower(ch.Handle)
		if _, done := m.backfilled[key]; done {
			continue
		}
		if id, ok := m.searcher.InitialSearch(ctx, ch); ok {
			m.backfilled[key] = id
		}
	}
}

func (m *Monitor) shutdown(ctx context.Context) {
	m.conn.Reset(context.WithoutCancel(ctx))
	m.keeper.Save(ctx)
	m.log.Info("monitor stopped", logx.Uint64("events", m.stats.events.Load()), logx.Uint64("matches", m.stats.matches.Load()))
}
