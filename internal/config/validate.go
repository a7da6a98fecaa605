package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks what the decoder cannot: required fields, known drivers
// and parseable durations. Defaults are applied by the consumers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add("telegram.group_log: not a chat id: %q", g)
		}
	}
	switch cfg.Telegram.ReadSource() {
	case SourceBot:
	case SourceUser:
		u := cfg.Telegram.User
		switch {
		case u == nil:
			add("telegram.user is required when telegram.source=user")
		case u.APIID <= 0 || strings.TrimSpace(u.APIHash) == "":
			add("telegram.user.api_id and telegram.user.api_hash are required")
		case strings.TrimSpace(u.SessionPath) == "":
			add("telegram.user.session_path is required")
		}
	default:
		add("unknown telegram.source: %s", cfg.Telegram.Source)
	}
	if strings.TrimSpace(cfg.Monitor.ChannelsFile) == "" {
		add("monitor.channels_file is required")
	}
	if tz := strings.TrimSpace(cfg.Monitor.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("monitor.timezone: %v", err)
		}
	}

	var d Durations
	d.Get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	d.Get("monitor.reconnect_delay", cfg.Monitor.ReconnectDelay, 0)
	d.Get("monitor.ping_interval", cfg.Monitor.PingInterval, 0)
	d.Get("monitor.cycle_retry_delay", cfg.Monitor.CycleRetryDelay, 0)

	if n := cfg.Notifier; n != nil {
		d.Get("notifier.retry_base", n.RetryBase, 0)
		d.Get("notifier.retry_max_delay", n.RetryMaxDelay, 0)
		d.Get("notifier.send_timeout", n.SendTimeout, 0)
		d.Get("notifier.dedup_window", n.DedupWindow, 0)
		if m := n.Mail; m != nil && m.Enabled {
			d.Get("notifier.mail.timeout", m.Timeout, 0)
			if strings.TrimSpace(m.Host) == "" {
				add("notifier.mail.host is required when mail is enabled")
			}
			if strings.TrimSpace(m.From) == "" {
				add("notifier.mail.from is required when mail is enabled")
			}
			if m.Port < 0 || m.Port > 65535 {
				add("notifier.mail.port out of range: %d", m.Port)
			}
		}
	}

	if s := cfg.Storage; s != nil {
		d.Get("storage.busy_timeout", s.BusyTimeout, 0)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required when storage.driver=%s", s.Driver)
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add("storage.dsn is required when storage.driver=%s", s.Driver)
			}
		default:
			add("unknown storage.driver: %s", s.Driver)
		}
	}

	if err := d.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
