package app

import (
	"context"
	"time"

	"github.com/HypeDuke/osint3/internal/config"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.applyConfig(ctx, prev, cfg)
			prev = cfg
		}
	}
}

// applyConfig pushes the live sections of cfg to the running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	ch := config.SummarizeConfigChange(prev, cfg)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reloaded without changes")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	attrs := append([]logx.Field{logx.Strings("sections", ch.Sections)}, ch.Attrs...)
	a.log.Info("config changed", attrs...)
	for _, section := range ch.Restart {
		if section == "notifier" {
			continue
		}
		a.log.Warn("config change needs a restart to take effect", logx.String("section", section))
	}

	if ch.Has("logging") || ch.Has("group_log") {
		a.logs.SetTelegramTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(cfg))
	}

	if ch.Has("notifier") {
		a.applyNotifier(ctx, cfg, ch)
	}

	if ch.Has("status_report") {
		if err := a.report.Apply(cfg.Monitor.StatusReport, cfg.Monitor.Timezone); err != nil {
			a.log.Warn("status report not rescheduled", logx.Err(err))
		}
	}

	if ch.Has("status") {
		a.status.Reconfigure(ctx, mapStatusConfig(cfg))
	}
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config, ch config.Change) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("notifier config rejected; keeping the previous one", logx.Err(err))
		return
	}
	if !a.fixed {
		bot, err := outboundBot(cfg)
		if err != nil {
			a.log.Warn("telegram sender rebuild failed; keeping transports", logx.Err(err))
		} else if ts, tg, err := buildTransports(cfg, bot, a.log); err != nil {
			a.log.Warn("notifier transports rejected; keeping the previous ones", logx.Err(err))
		} else {
			a.notif.SetTransports(ts...)
			if tg != nil {
				a.tg = tg
				a.logs.SetSender(tg)
			}
		}
	}

	restart := false
	for _, s := range ch.Restart {
		restart = restart || s == "notifier"
	}
	wasEnabled := a.notif.Enabled()
	if restart || wasEnabled != ncfg.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
	a.notif.Apply(ncfg)
	if ncfg.Enabled && a.notif.Supervisor() == nil {
		a.notif.Start(ctx)
	}
	a.log.Info("notifier reconfigured",
		logx.Bool("enabled", ncfg.Enabled),
		logx.Int("transports", len(a.notif.Transports())),
		logx.Bool("restarted", restart),
	)
}
