package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/HypeDuke/osint3/internal/config"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier"
	"github.com/HypeDuke/osint3/internal/notifier/mail"
	tgnotify "github.com/HypeDuke/osint3/internal/notifier/telegram"
	"github.com/HypeDuke/osint3/internal/observability/status"
	"github.com/HypeDuke/osint3/internal/storage"
	"github.com/HypeDuke/osint3/internal/transport/telegram/adapter"
	"github.com/HypeDuke/osint3/internal/transport/telegram/mtproto"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (adapter.Config, error) {
	var d config.Durations
	out := adapter.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		URL:            strings.TrimSpace(cfg.Telegram.URL),
		PollTimeout:    d.Get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
		RequestsPerSec: cfg.Telegram.RequestsPerSec,
	}
	return out, d.Err()
}

// MapUserConfig maps telegram.user for the account session. It fails when
// the section is missing.
func MapUserConfig(cfg *config.Config) (mtproto.Config, error) {
	u := cfg.Telegram.User
	if u == nil {
		return mtproto.Config{}, errors.New("telegram.user is not configured")
	}
	return mtproto.Config{
		AppID:          u.APIID,
		AppHash:        strings.TrimSpace(u.APIHash),
		SessionPath:    strings.TrimSpace(u.SessionPath),
		RequestsPerSec: u.RequestsPerSec,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	var d config.Durations
	def := monitor.DefaultConfig()
	mc := cfg.Monitor
	out := monitor.Config{
		MaxReconnectAttempts: mc.MaxReconnectAttempts,
		ReconnectDelay:       d.Get("monitor.reconnect_delay", mc.ReconnectDelay, def.ReconnectDelay),
		PingInterval:         d.Get("monitor.ping_interval", mc.PingInterval, def.PingInterval),
		CycleRetryDelay:      d.Get("monitor.cycle_retry_delay", mc.CycleRetryDelay, def.CycleRetryDelay),
		FallbackLimit:        mc.FallbackLimit,
		MaxFloodRetries:      mc.MaxFloodRetries,
		CatchUpPage:          mc.CatchUpPage,
	}
	return out, d.Err()
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	var d config.Durations
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       d.Get("notifier.retry_base", nc.RetryBase, 0),
		RetryMaxDelay:   d.Get("notifier.retry_max_delay", nc.RetryMaxDelay, 0),
		SendTimeout:     d.Get("notifier.send_timeout", nc.SendTimeout, 0),
		DedupWindow:     d.Get("notifier.dedup_window", nc.DedupWindow, 0),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	return out, d.Err()
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	var d config.Durations
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.Get("storage.busy_timeout", sc.BusyTimeout, time.Second),
	}
	return out, true, d.Err()
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; 0 means unset.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    strings.TrimSpace(cfg.Status.Addr),
		Pprof:   cfg.Status.Pprof,
		Token:   strings.TrimSpace(cfg.Status.Token),
	}
}

// outboundBot builds an offline bot for sending. It never polls and never
// calls getMe, so alerts still go out while the monitor is reconnecting.
func outboundBot(cfg *config.Config) (*tele.Bot, error) {
	return tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		URL:     strings.TrimSpace(cfg.Telegram.URL),
		Offline: true,
	})
}

// buildTransports maps the notifier section to delivery transports. The
// Telegram transport is also returned on its own because it carries log
// lines for logx.
func buildTransports(cfg *config.Config, bot tgnotify.Sender, log logx.Logger) ([]notifier.Transport, *tgnotify.Transport, error) {
	var (
		ts []notifier.Transport
		tg *tgnotify.Transport
	)
	tcfg := tgnotify.Config{}
	if nc := cfg.Notifier; nc != nil && nc.Telegram != nil {
		tcfg = tgnotify.Config{
			ChatIDs:       nc.Telegram.ChatIDs,
			HealthChatIDs: nc.Telegram.HealthChatIDs,
			ThreadID:      nc.Telegram.ThreadID,
		}
	}
	if bot != nil {
		tg = tgnotify.New(bot, tcfg, log.With(logx.String("comp", "notifier.telegram")))
		ts = append(ts, tg)
	}

	if nc := cfg.Notifier; nc != nil && nc.Mail != nil && nc.Mail.Enabled {
		m := nc.Mail
		var d config.Durations
		timeout := d.Get("notifier.mail.timeout", m.Timeout, 0)
		if err := d.Err(); err != nil {
			return nil, nil, err
		}
		mt, err := mail.New(mail.Config{
			Host:     strings.TrimSpace(m.Host),
			Port:     m.Port,
			SSL:      m.SSL,
			Username: m.Username,
			Password: m.Password,
			From:     strings.TrimSpace(m.From),
			To:       m.To,
			HealthTo: m.HealthTo,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "notifier.mail")))
		if err != nil {
			return nil, nil, err
		}
		ts = append(ts, mt)
	}
	return ts, tg, nil
}

// OpenStorage opens the configured store for offline commands. It returns
// (nil, nil) when storage is disabled.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}
