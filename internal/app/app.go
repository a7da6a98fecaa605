// Package app wires the monitor, the notifier and the ambient services
// together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/config"
	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier"
	"github.com/HypeDuke/osint3/internal/notifier/render"
	tgnotify "github.com/HypeDuke/osint3/internal/notifier/telegram"
	"github.com/HypeDuke/osint3/internal/observability/status"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/report"
	"github.com/HypeDuke/osint3/internal/runtime/sdnotify"
	rtsup "github.com/HypeDuke/osint3/internal/runtime/supervisor"
	"github.com/HypeDuke/osint3/internal/state"
	"github.com/HypeDuke/osint3/internal/storage"
	"github.com/HypeDuke/osint3/internal/transport/telegram/adapter"
	"github.com/HypeDuke/osint3/internal/transport/telegram/mtproto"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type options struct {
	client     platform.Client
	transports []notifier.Transport
	fixed      bool
	sd         *sdnotify.Notifier
	sleep      monitor.Sleeper
}

type Option func(*options)

// WithClient replaces the Telegram adapter, mainly for tests.
func WithClient(c platform.Client) Option { return func(o *options) { o.client = c } }

// WithTransports replaces the transports built from the notifier section.
func WithTransports(ts ...notifier.Transport) Option {
	return func(o *options) { o.transports, o.fixed = ts, true }
}

func WithSystemd(n *sdnotify.Notifier) Option { return func(o *options) { o.sd = n } }

// WithSleeper replaces the monitor's backoff timer.
func WithSleeper(s monitor.Sleeper) Option { return func(o *options) { o.sleep = s } }

type App struct {
	runID     uuid.UUID
	startedAt time.Time

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	archive *adapter.Archive
	client  platform.Client
	keeper  *state.Keeper

	channels []channels.Channel
	mon      *monitor.Monitor
	monDone  chan struct{}

	notif  *notifier.Service
	fixed  bool // transports came from WithTransports
	tg     *tgnotify.Transport
	report *report.Reporter
	status *status.Service
	sd     *sdnotify.Notifier

	stopOnce sync.Once
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Telegram logging is enabled only after the target chat is set so
	// Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logs, root := logx.New(bootCfg, nil)
	runID := uuid.New()
	log := root.With(logx.String("run", runID.String()[:8]))
	a := &App{
		runID:     runID,
		startedAt: time.Now(),
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logs,
		bus:       eventbus.New(),
		monDone:   make(chan struct{}),
	}
	if err := a.build(cfg, log, o); err != nil {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}

	if a.tg != nil {
		logs.SetSender(a.tg)
	}
	if chatID := groupLogChat(cfg); chatID != 0 {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logs.Apply(logCfg)
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; progress is kept in memory only")
	}
	var backend state.Backend
	if a.store != nil {
		backend = a.store
	}
	a.keeper = state.NewKeeper(backend, log.With(logx.String("comp", "state")))

	a.client = o.client
	if a.client == nil && cfg.Telegram.ReadSource() == config.SourceUser {
		ucfg, err := MapUserConfig(cfg)
		if err != nil {
			return err
		}
		client, err := mtproto.New(ucfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.client = client
		a.log.Info("reading channels as user", logx.String("session", ucfg.SessionPath))
	}
	if a.client == nil {
		acfg, err := mapAdapterConfig(cfg)
		if err != nil {
			return err
		}
		archive, err := adapter.OpenArchive(strings.TrimSpace(cfg.Telegram.ArchivePath))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		a.archive = archive
		client, err := adapter.New(acfg, archive, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.client = client
	}

	renderer, err := render.New()
	if err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	transports := o.transports
	a.fixed = o.fixed
	if !a.fixed {
		bot, err := outboundBot(cfg)
		if err != nil {
			return fmt.Errorf("telegram sender: %w", err)
		}
		if transports, a.tg, err = buildTransports(cfg, bot, log); err != nil {
			return err
		}
	}
	a.notif = notifier.New(ncfg, renderer, log.With(logx.String("comp", "notifier")), a.bus, a.store, transports...)

	a.sd = o.sd
	if a.sd == nil {
		a.sd = sdnotify.New(log)
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	a.channels = channels.Load(cfg.Monitor.ChannelsFile, log.With(logx.String("comp", "channels")))
	a.mon = monitor.New(mcfg, monitor.Deps{
		Client:      a.client,
		Keeper:      a.keeper,
		Sink:        a.notif,
		Channels:    a.channels,
		Log:         log,
		Bus:         a.bus,
		Sleep:       o.sleep,
		OnHeartbeat: a.sd.Watchdog,
		OnState:     func(s monitor.ConnState) { a.sd.Status("monitor " + s.String()) },
	})

	a.report = report.New(a.notif, a.mon.Stats().Snapshot, log)
	a.status = status.New(mapStatusConfig(cfg), a, log)
	return nil
}

func (a *App) Monitor() *monitor.Monitor     { return a.mon }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) StatusServer() *status.Service { return a.status }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, such as a lost login.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	c := a.sup.Context()

	a.notif.Start(c)
	a.status.Start(c)
	cfg := a.cfgm.Get()
	if err := a.report.Apply(cfg.Monitor.StatusReport, cfg.Monitor.Timezone); err != nil {
		a.log.Warn("status report not scheduled", logx.Err(err))
	}

	a.sup.Go("monitor.run", func(c context.Context) error {
		defer close(a.monDone)
		err := a.mon.Run(c)
		if errors.Is(err, monitor.ErrReauthenticate) {
			a.log.Error("telegram session lost its authorization; fix the token and restart", logx.Err(err))
		}
		return err
	})
	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		a.sd.Run(c, func() bool { return a.mon.Conn().State() == monitor.StateConnected })
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("topic", e.Topic()))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.log.Info("app started",
		logx.String("version", Version),
		logx.Int("channels", len(a.channels)),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one stuck component cannot hold up the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("monitor", 5*time.Second, func(c context.Context) error {
		select {
		case <-a.monDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("report", time.Second, func(context.Context) error { a.report.Stop(); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("resources", time.Second, func(context.Context) error { a.closeResources(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("archive close failed", logx.Err(err))
		}
		a.archive = nil
	}
}
