package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonCfg = `{
  "telegram": {"token": "${BOT_TOKEN}", "poll_timeout": "5s"},
  "monitor": {"channels_file": "channels.json", "reconnect_delay": "10s"},
  "logging": {"level": "debug", "console": true},
  "notifier": {
    "enabled": true,
    "telegram": {"chat_ids": [-100123]},
    "mail": {"enabled": true, "host": "smtp.example.org", "from": "mon@example.org", "to": ["sec@example.org"], "password": "${SMTP_PASS:-fallback}"}
  },
  "storage": {"driver": "sqlite", "path": "state.db"}
}`

const yamlCfg = `
telegram:
  token: abc
monitor:
  channels_file: channels.json
  status_report: "@every 6h"
logging:
  level: info
  console: true
storage:
  driver: file
  path: ./state.json
`

const tomlCfg = `
[telegram]
token = "abc"
requests_per_sec = 20

[monitor]
channels_file = "channels.json"
max_reconnect_attempts = 3

[logging]
level = "warn"
console = false

[status]
enabled = true
addr = "127.0.0.1:9000"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoadFormats(t *testing.T) {
	t.Parallel()

	t.Run("json with env", func(t *testing.T) {
		t.Parallel()
		m := NewManager(writeFile(t, "cfg.json", jsonCfg))
		m.SetEnvLookup(env(map[string]string{"BOT_TOKEN": `12:a"b`}))
		cfg, err := m.Load()
		require.NoError(t, err)
		assert.Equal(t, `12:a"b`, cfg.Telegram.Token)
		assert.Equal(t, "fallback", cfg.Notifier.Mail.Password)
		assert.Equal(t, []int64{-100123}, cfg.Notifier.Telegram.ChatIDs)
		assert.Same(t, cfg, m.Get())
	})

	t.Run("yaml", func(t *testing.T) {
		t.Parallel()
		cfg, err := NewManager(writeFile(t, "cfg.yaml", yamlCfg)).Load()
		require.NoError(t, err)
		assert.Equal(t, "@every 6h", cfg.Monitor.StatusReport)
		assert.Equal(t, "file", cfg.Storage.Driver)
		assert.Nil(t, cfg.Notifier)
	})

	t.Run("toml", func(t *testing.T) {
		t.Parallel()
		cfg, err := NewManager(writeFile(t, "cfg.toml", tomlCfg)).Load()
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Telegram.RequestsPerSec)
		assert.Equal(t, 3, cfg.Monitor.MaxReconnectAttempts)
		assert.True(t, cfg.Status.Enabled)
		assert.Equal(t, "127.0.0.1:9000", cfg.Status.Addr)
	})
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x","owner_user_ids":[1]}}`))
	assert.ErrorContains(t, err, "owner_user_ids")

	_, err = Decode("c.json", []byte(`{"telegram":{"token":"x"}} {}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yaml", []byte("telegram: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"channels", func(c *Config) { c.Monitor.ChannelsFile = "" }, "monitor.channels_file"},
		{"duration", func(c *Config) { c.Monitor.PingInterval = "soon" }, "monitor.ping_interval"},
		{"negative", func(c *Config) { c.Monitor.ReconnectDelay = "-1s" }, "is negative"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "unknown storage.driver"},
		{"dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"mail host", func(c *Config) {
			c.Notifier = &NotifierConfig{Mail: &NotifierMail{Enabled: true, From: "a@b"}}
		}, "notifier.mail.host"},
		{"group log", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"timezone", func(c *Config) { c.Monitor.Timezone = "Mars/Base" }, "monitor.timezone"},
		{"user source", func(c *Config) { c.Telegram.Source = "user" }, "telegram.user"},
		{"user api", func(c *Config) {
			c.Telegram.Source = "user"
			c.Telegram.User = &TelegramUserAuth{SessionPath: "s.json"}
		}, "telegram.user.api_id"},
		{"user ok", func(c *Config) {
			c.Telegram.Source = " User "
			c.Telegram.User = &TelegramUserAuth{APIID: 1, APIHash: "h", SessionPath: "s.json"}
		}, ""},
		{"source", func(c *Config) { c.Telegram.Source = "mtproto" }, "unknown telegram.source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Telegram: TelegramConfig{Token: "t"},
				Monitor:  MonitorConfig{ChannelsFile: "c.json"},
			}
			tt.mut(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	assert.Equal(t, 3*time.Second, d.Get("a", "3s", time.Second))
	assert.Equal(t, time.Second, d.Get("b", "", time.Second))
	assert.Equal(t, time.Second, d.Get("c", "0s", time.Second))
	assert.NoError(t, d.Err())
	assert.Equal(t, time.Second, d.Get("d", "nope", time.Second))
	assert.ErrorContains(t, d.Err(), "d: invalid duration")
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Telegram: TelegramConfig{Token: "t"},
		Monitor:  MonitorConfig{ChannelsFile: "c.json"},
		Logging:  LoggingConfig{Level: "info"},
	}

	same := *old
	assert.Empty(t, SummarizeConfigChange(old, &same).Sections)

	next := *old
	next.Logging.Level = "debug"
	next.Monitor.StatusReport = "@every 1h"
	next.Notifier = &NotifierConfig{Enabled: true, Mail: &NotifierMail{Password: "secret"}}
	ch := SummarizeConfigChange(old, &next)
	assert.ElementsMatch(t, []string{"logging", "status_report", "notifier"}, ch.Sections)
	assert.Empty(t, ch.Restart)
	assert.True(t, ch.Has("logging"))

	next.Monitor.ChannelsFile = "other.json"
	next.Telegram.Token = "rotated"
	ch = SummarizeConfigChange(old, &next)
	assert.ElementsMatch(t, []string{"monitor", "telegram"}, ch.Restart)

	user := *old
	user.Telegram.User = &TelegramUserAuth{APIID: 1, APIHash: "h", SessionPath: "a.json"}
	moved := user
	moved.Telegram.User = &TelegramUserAuth{APIID: 1, APIHash: "h", SessionPath: "a.json"}
	assert.Empty(t, SummarizeConfigChange(&user, &moved).Sections)
	moved.Telegram.User = &TelegramUserAuth{APIID: 1, APIHash: "h", SessionPath: "b.json"}
	assert.Equal(t, []string{"telegram"}, SummarizeConfigChange(&user, &moved).Restart)
	moved.Telegram.User = user.Telegram.User
	moved.Telegram.Source = "user"
	assert.Equal(t, []string{"telegram"}, SummarizeConfigChange(&user, &moved).Restart)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "cfg.yaml", yamlCfg)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("telegram: {token: ''}\nmonitor: {channels_file: c.json}\n"), 0o600))
	time.Sleep(2 * reloadDebounce)
	select {
	case <-updates:
		t.Fatal("invalid config must not be published")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(yamlCfg+"status:\n  enabled: true\n"), 0o600))
	select {
	case cfg := <-updates:
		assert.True(t, cfg.Status.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	<-done
	m.Unsubscribe(updates)
	_, open := <-updates
	assert.False(t, open)
}
