package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier/render"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/storage"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type fakeTransport struct {
	name   string
	health bool
	alerts bool

	mu      sync.Mutex
	sent    []Notification
	fails   int
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) HasRecipients(health bool) bool {
	if health {
		return f.health
	}
	return f.alerts
}

func (f *fakeTransport) Send(ctx context.Context, n Notification) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeTransport) Sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func newService(t *testing.T, cfg Config, store storage.Store, ts ...Transport) (*Service, eventbus.Bus) {
	t.Helper()
	r, err := render.New()
	require.NoError(t, err)
	bus := eventbus.New()
	s := New(cfg, r, logx.Nop(), bus, store, ts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

var route = monitor.Route{Channel: "Leaks", Handle: "leaks", Template: channels.TemplateMinimal}

func matched(id int64, text string) monitor.MatchedMessage {
	return monitor.MatchedMessage{Message: platform.Message{ID: id, Text: text, Time: time.Now()}, MatchedTerms: []string{"leak"}}
}

func collect(ch <-chan eventbus.Event, typ string, n int) func() bool {
	var seen int
	return func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Type == typ {
					seen++
				}
			default:
				return seen >= n
			}
		}
	}
}

func TestDisabledRejects(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	tr := &fakeTransport{name: "t", alerts: true}
	s, _ := newService(t, cfg, nil, tr)
	assert.False(t, s.SendSingle(context.Background(), route, matched(1, "leak")))
	assert.ErrorIs(t, s.Notify(context.Background(), Notification{}), ErrDisabled)
}

func TestSingleAndBatchDelivered(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{name: "t", alerts: true}
	s, bus := newService(t, testConfig(), nil, tr)
	events, unsub := bus.Subscribe(64)
	defer unsub()

	require.True(t, s.SendSingle(context.Background(), route, matched(1, "leak one")))
	require.True(t, s.SendBatch(context.Background(), route, []monitor.MatchedMessage{matched(3, "a leak"), matched(2, "b leak")}))
	assert.False(t, s.SendBatch(context.Background(), route, nil))

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	sent := tr.Sent()
	kinds := map[Kind]Notification{sent[0].Kind: sent[0], sent[1].Kind: sent[1]}
	assert.Equal(t, "[New] Leaks", kinds[KindSingle].Subject)
	assert.Equal(t, "[Osint] Leaks", kinds[KindBatch].Subject)
	assert.Equal(t, "leaks", kinds[KindBatch].Channel)
	assert.NotEmpty(t, kinds[KindBatch].HTML)
	assert.NotEmpty(t, kinds[KindBatch].Telegram)

	assert.Eventually(t, collect(events, eventbus.NotifierSent, 2), time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{name: "t", alerts: true, fails: 2}
	s, _ := newService(t, testConfig(), nil, tr)
	require.True(t, s.SendSingle(context.Background(), route, matched(1, "leak")))
	assert.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRetryExhaustedPublishesFailure(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{name: "t", alerts: true, fails: 10}
	s, bus := newService(t, testConfig(), nil, tr)
	events, unsub := bus.Subscribe(64)
	defer unsub()

	require.True(t, s.SendSingle(context.Background(), route, matched(1, "leak")))
	assert.Eventually(t, collect(events, eventbus.NotifierFailed, 1), 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Sent())
	tr.mu.Lock()
	assert.Equal(t, 7, tr.fails)
	tr.mu.Unlock()
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	tr := &fakeTransport{name: "t", alerts: true}
	s, bus := newService(t, cfg, nil, tr)
	events, unsub := bus.Subscribe(64)
	defer unsub()

	n := Notification{Kind: KindSingle, Channel: "leaks", Subject: "s", Telegram: "x"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))
	assert.Eventually(t, collect(events, eventbus.NotifierDeduped, 1), time.Second, 5*time.Millisecond)

	other := n
	other.Telegram = "y"
	require.NoError(t, s.Notify(context.Background(), other))
	assert.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	n := Notification{Kind: KindHealth, Subject: "h", Telegram: "down", Health: true}

	first := &fakeTransport{name: "t", health: true}
	s1, _ := newService(t, cfg, store, first)
	require.NoError(t, s1.Notify(context.Background(), n))
	require.Eventually(t, func() bool { return len(first.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s1.Stop(ctx)
	cancel()

	second := &fakeTransport{name: "t", health: true}
	s2, _ := newService(t, cfg, store, second)
	require.NoError(t, s2.Notify(context.Background(), n))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, second.Sent())
}

func TestHealthRouting(t *testing.T) {
	t.Parallel()
	alerts := &fakeTransport{name: "alerts", alerts: true}
	s, _ := newService(t, testConfig(), nil, alerts)

	s.SendHealthCheck(context.Background(), monitor.HealthFailed, "gave up")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, alerts.Sent())

	ops := &fakeTransport{name: "ops", health: true}
	s.SetTransports(alerts, ops)
	s.SendHealthCheck(context.Background(), monitor.HealthConnected, "Connected as @me")
	require.Eventually(t, func() bool { return len(ops.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := ops.Sent()[0]
	assert.True(t, got.Health)
	assert.Equal(t, "[Health Check] Channel Monitor - Connected", got.Subject)
	assert.Empty(t, alerts.Sent())
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	tr := &fakeTransport{name: "t", alerts: true, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, _ := newService(t, cfg, nil, tr)
	defer close(tr.block)

	require.NoError(t, s.Notify(context.Background(), Notification{Telegram: "1"}))
	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first notification")
	}
	require.NoError(t, s.Notify(context.Background(), Notification{Telegram: "2"}))
	assert.ErrorIs(t, s.Notify(context.Background(), Notification{Telegram: "3"}), ErrQueueFull)
	assert.False(t, s.SendSingle(context.Background(), route, matched(9, "leak")))
}

func TestStoppedRejects(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{name: "t", alerts: true}
	s, _ := newService(t, testConfig(), nil, tr)
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Notification{}), ErrStopped)
	assert.Nil(t, s.Supervisor())
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Positive(t, d)
	}
	first := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, first, 70*time.Millisecond)
	assert.LessOrEqual(t, first, 130*time.Millisecond)
}

func TestDedupCachePrunesToCap(t *testing.T) {
	t.Parallel()
	c := newDedupCache()
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.True(t, c.allow(context.Background(), k, time.Hour, 2, nil, nil))
	}
	assert.Equal(t, 2, c.len())
	assert.False(t, c.allow(context.Background(), "d", time.Hour, 2, nil, nil))
}
