package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/config"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/platform/platformtest"
	"github.com/HypeDuke/osint3/internal/runtime/sdnotify"
	"github.com/HypeDuke/osint3/internal/transport/telegram/mtproto"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type recTransport struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (r *recTransport) Name() string            { return "rec" }
func (r *recTransport) HasRecipients(bool) bool { return true }
func (r *recTransport) Send(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recTransport) kinds() []notifier.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifier.Kind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

func instant(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func writeSetup(t *testing.T) (cfgPath, statePath string) {
	t.Helper()
	dir := t.TempDir()
	chans := filepath.Join(dir, "channels.json")
	require.NoError(t, os.WriteFile(chans, []byte(`[
  {"username": "@leaks", "name": "Leaks", "filter": {"type": "contains", "value": "password"}}
]`), 0o600))
	statePath = filepath.Join(dir, "state.json")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := "telegram:\n  token: test\n" +
		"monitor:\n  channels_file: " + chans + "\n" +
		"logging:\n  level: error\n  console: false\n" +
		"notifier:\n  enabled: true\n  workers: 1\n" +
		"storage:\n  driver: file\n  path: " + statePath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, statePath
}

func TestAppRunsBackfillAndLiveDelivery(t *testing.T) {
	cfgPath, statePath := writeSetup(t)

	fake := platformtest.New()
	fake.AddChannel("leaks", -1001,
		platform.Message{ID: 1, Text: "admin password dump", Time: time.Now()},
		platform.Message{ID: 2, Text: "unrelated", Time: time.Now()},
	)
	rec := &recTransport{}
	sd := sdnotify.NewWith(func(bool, string) (bool, error) { return true, nil }, 0, logx.Nop())

	a, err := New(cfgPath, WithClient(fake), WithTransports(rec), WithSystemd(sd), WithSleeper(instant))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		return a.Monitor().Conn().State() == monitor.StateConnected && len(rec.kinds()) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, notifier.KindBatch, rec.kinds()[0])

	ok, detail := a.Health()
	assert.True(t, ok)
	assert.Equal(t, "connected", detail)

	require.Eventually(t, func() bool {
		return a.Monitor().Stats().Snapshot().Listening == 1
	}, 5*time.Second, 20*time.Millisecond)
	fake.Post(platform.Message{ID: 3, ChannelID: -1001, Text: "fresh password list", Time: time.Now()})
	require.Eventually(t, func() bool {
		for _, k := range rec.kinds() {
			if k == notifier.KindSingle {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	body, ok := a.Status().(statusBody)
	require.True(t, ok)
	assert.Equal(t, Version, body.Version)
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "leaks", body.Channels[0].Handle)
	assert.Equal(t, []string{"rec"}, body.Notifier.Transports)
	assert.Contains(t, body.Tasks, "app")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.NoError(t, a.Stop(ctx, StopAppStop))

	_, err = os.Stat(statePath)
	assert.NoError(t, err)
	sent, _ := sd.Counts()
	assert.Positive(t, sent)
}

func TestAppStopsOnLostAuthorization(t *testing.T) {
	cfgPath, _ := writeSetup(t)
	fake := platformtest.New()
	fake.Unauthorized = true
	sd := sdnotify.NewWith(func(bool, string) (bool, error) { return false, nil }, 0, logx.Nop())

	a, err := New(cfgPath, WithClient(fake), WithTransports(), WithSystemd(sd), WithSleeper(instant))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.ErrorIs(t, a.Err(), monitor.ErrReauthenticate)
	ok, _ := a.Health()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx, StopReauthNeeded))
}

func TestNewRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"telegram":{"token":""},"monitor":{"channels_file":"x"}}`), 0o600))
	_, err := New(p)
	assert.ErrorContains(t, err, "telegram.token")
}

func TestUserSourceReadsWithSession(t *testing.T) {
	cfgPath, _ := writeSetup(t)
	session := filepath.Join(t.TempDir(), "tg", "session.json")
	raw, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	user := "telegram:\n  token: test\n  source: user\n  user:\n    api_id: 42\n    api_hash: abc\n    session_path: " + session + "\n"
	body := strings.Replace(string(raw), "telegram:\n  token: test\n", user, 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	sd := sdnotify.NewWith(func(bool, string) (bool, error) { return false, nil }, 0, logx.Nop())
	a, err := New(cfgPath, WithTransports(), WithSystemd(sd), WithSleeper(instant))
	require.NoError(t, err)
	assert.IsType(t, &mtproto.Client{}, a.client)
	assert.Nil(t, a.archive)
	assert.False(t, a.client.Connected())
}

func TestMapping(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: " t ", PollTimeout: "3s", GroupLog: "-100200"},
		Monitor:  config.MonitorConfig{ReconnectDelay: "5s", FallbackLimit: 7},
	}
	ac, err := mapAdapterConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "t", ac.Token)
	assert.Equal(t, 3*time.Second, ac.PollTimeout)

	mc, err := mapMonitorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, mc.ReconnectDelay)
	assert.Equal(t, monitor.DefaultConfig().PingInterval, mc.PingInterval)
	assert.Equal(t, 7, mc.FallbackLimit)

	_, err = MapUserConfig(cfg)
	assert.ErrorContains(t, err, "telegram.user")
	cfg.Telegram.User = &config.TelegramUserAuth{APIID: 9, APIHash: " h ", SessionPath: " s.json ", RequestsPerSec: 2}
	uc, err := MapUserConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, mtproto.Config{AppID: 9, AppHash: "h", SessionPath: "s.json", RequestsPerSec: 2}, uc)

	assert.Equal(t, int64(-100200), groupLogChat(cfg))
	cfg.Telegram.GroupLog = ""
	assert.Zero(t, groupLogChat(cfg))

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	cfg.Notifier = &config.NotifierConfig{Workers: -1}
	_, err = mapNotifierConfig(cfg)
	assert.Error(t, err)
	cfg.Notifier = &config.NotifierConfig{DedupWindow: "later"}
	_, err = mapNotifierConfig(cfg)
	assert.ErrorContains(t, err, "notifier.dedup_window")

	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)
	cfg.Storage = &config.StorageConfig{Driver: " SQLite ", Path: "x.db"}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestBuildTransports(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Notifier: &config.NotifierConfig{
		Telegram: &config.NotifierTelegram{ChatIDs: []int64{1}},
		Mail: &config.NotifierMail{
			Enabled: true, Host: "smtp.example.org", From: "a@example.org", To: []string{"b@example.org"},
		},
	}}

	ts, tg, err := buildTransports(cfg, nil, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, tg)
	require.Len(t, ts, 1)
	assert.Equal(t, "mail", ts[0].Name())

	cfg.Notifier.Mail.Timeout = "soon"
	_, _, err = buildTransports(cfg, nil, logx.Nop())
	assert.ErrorContains(t, err, "notifier.mail.timeout")
}
