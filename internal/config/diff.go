package config

import (
	"reflect"
	"strings"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// Restart lists changed sections that only apply after a restart.
	Restart []string
	// Attrs are safe to log: secrets are reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	// Telegram (never log the token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trimNe(ot.URL, nt.URL) || trimNe(ot.PollTimeout, nt.PollTimeout) ||
		trimNe(ot.ArchivePath, nt.ArchivePath) || ot.RequestsPerSec != nt.RequestsPerSec ||
		ot.ReadSource() != nt.ReadSource() || !sameUser(ot.User, nt.User) {
		mark("telegram", true,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.source", nt.ReadSource()),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.String("telegram.archive_path", strings.TrimSpace(nt.ArchivePath)),
		)
	}
	if trimNe(ot.GroupLog, nt.GroupLog) {
		mark("group_log", false, logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""))
	}

	// Monitor: the status report schedule is live, the rest needs a restart.
	om, nm := oldCfg.Monitor, newCfg.Monitor
	omCore, nmCore := om, nm
	omCore.StatusReport, nmCore.StatusReport = "", ""
	omCore.Timezone, nmCore.Timezone = "", ""
	if omCore != nmCore {
		mark("monitor", true,
			logx.String("monitor.channels_file", nm.ChannelsFile),
			logx.Int("monitor.max_reconnect_attempts", nm.MaxReconnectAttempts),
			logx.String("monitor.reconnect_delay", nm.ReconnectDelay),
		)
	}
	if trimNe(om.StatusReport, nm.StatusReport) || trimNe(om.Timezone, nm.Timezone) {
		mark("status_report", false,
			logx.String("monitor.status_report", strings.TrimSpace(nm.StatusReport)),
			logx.String("monitor.timezone", strings.TrimSpace(nm.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Notifier (never log the SMTP password)
	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(on, nn) || (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) {
		attrs := []logx.Field{
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.dedup_window", nn.DedupWindow),
		}
		if nn.Telegram != nil {
			attrs = append(attrs,
				logx.Int("notifier.telegram.chats", len(nn.Telegram.ChatIDs)),
				logx.Int("notifier.telegram.health_chats", len(nn.Telegram.HealthChatIDs)),
			)
		}
		if nn.Mail != nil {
			attrs = append(attrs,
				logx.Bool("notifier.mail.enabled", nn.Mail.Enabled),
				logx.String("notifier.mail.host", nn.Mail.Host),
				logx.Int("notifier.mail.to", len(nn.Mail.To)),
				logx.Bool("notifier.mail.password_set", nn.Mail.Password != ""),
			)
		}
		restart := on.Workers != nn.Workers || on.QueueSize != nn.QueueSize || on.PersistDedup != nn.PersistDedup
		mark("notifier", restart, attrs...)
	}

	// Storage (never log the DSN)
	ostore, nstore := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ostore != nstore {
		mark("storage", true,
			logx.String("storage.driver", nstore.Driver),
			logx.String("storage.path", nstore.Path),
			logx.Bool("storage.dsn_set", nstore.DSN != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		mark("status", false,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}
	return ch
}

func trimNe(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func sameUser(a, b *TelegramUserAuth) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
