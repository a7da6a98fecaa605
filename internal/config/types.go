package config

import "strings"

// Config is the application config file. Durations are Go duration strings
// ("500ms", "30s", "1m"). Unknown keys are rejected.
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Monitor  MonitorConfig   `json:"monitor"`
	Logging  LoggingConfig   `json:"logging"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Status   StatusConfig    `json:"status,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// URL overrides the Bot API endpoint (local bot-api server).
	URL string `json:"url,omitempty"`
	// PollTimeout is the long-poll timeout. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	// ArchivePath is the sqlite file holding received posts. Empty keeps
	// the archive in memory.
	ArchivePath    string `json:"archive_path,omitempty"`
	RequestsPerSec int    `json:"requests_per_sec,omitempty"`
	// GroupLog is the chat id that receives log lines when
	// logging.telegram is enabled.
	GroupLog string `json:"group_log,omitempty"`
	// Source picks who reads the channels: "bot" (default) polls as the
	// bot, "user" uses the logged-in account of the user section. The bot
	// token always sends notifications.
	Source string            `json:"source,omitempty"`
	User   *TelegramUserAuth `json:"user,omitempty"`
}

// TelegramUserAuth is the account session created by "osint3 login".
type TelegramUserAuth struct {
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	SessionPath string `json:"session_path"`
	// Phone skips the phone prompt of the login command.
	Phone          string `json:"phone,omitempty"`
	RequestsPerSec int    `json:"requests_per_sec,omitempty"`
}

const (
	SourceBot  = "bot"
	SourceUser = "user"
)

// ReadSource returns the normalized source, SourceBot when unset.
func (t TelegramConfig) ReadSource() string {
	if s := strings.ToLower(strings.TrimSpace(t.Source)); s != "" {
		return s
	}
	return SourceBot
}

// MonitorConfig tunes the monitoring core.
//
// Defaults (when omitted/zero):
//   - max_reconnect_attempts: 10
//   - reconnect_delay: "30s" (multiplied by the attempt number)
//   - ping_interval: "60s"
//   - cycle_retry_delay: "60s"
//   - fallback_limit: 50
//   - max_flood_retries: 5
//   - catch_up_page: 100
type MonitorConfig struct {
	ChannelsFile         string `json:"channels_file"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	ReconnectDelay       string `json:"reconnect_delay,omitempty"`
	PingInterval         string `json:"ping_interval,omitempty"`
	CycleRetryDelay      string `json:"cycle_retry_delay,omitempty"`
	FallbackLimit        int    `json:"fallback_limit,omitempty"`
	MaxFloodRetries      int    `json:"max_flood_retries,omitempty"`
	CatchUpPage          int    `json:"catch_up_page,omitempty"`
	// StatusReport is a schedule ("@every 6h", "0 9 * * *", "12h", "09:00")
	// for the periodic status health check. Empty disables it.
	StatusReport string `json:"status_report,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the notification pipeline. If the section is
// omitted the notifier is enabled with defaults and no recipients, so
// matches are only logged.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Telegram *NotifierTelegram `json:"telegram,omitempty"`
	Mail     *NotifierMail     `json:"mail,omitempty"`
}

type NotifierTelegram struct {
	ChatIDs       []int64 `json:"chat_ids"`
	HealthChatIDs []int64 `json:"health_chat_ids,omitempty"`
	ThreadID      int     `json:"thread_id,omitempty"`
}

// NotifierMail configures SMTP delivery. Port defaults to 465 with ssl and
// 587 without.
type NotifierMail struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	SSL      bool     `json:"ssl,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	HealthTo []string `json:"health_to,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// StorageConfig selects where monitor progress is kept.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./osint3.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// StatusConfig controls the optional HTTP status server. Prefer a loopback
// address; /status exposes channel statistics.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8086"
	Pprof   bool   `json:"pprof,omitempty"`
	// Token is required on a non-loopback address. Sent as a bearer token
	// or ?token=.
	Token string `json:"token,omitempty"`
}
