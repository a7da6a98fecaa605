package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Manager owns the committed config and republishes it when the file
// changes and the new content validates.
type Manager struct {
	path     string
	lookup   func(string) (string, bool)
	validate func(ctx context.Context, cfg *Config) error
	log      logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subs fanout
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		lookup:   os.LookupEnv,
		validate: func(_ context.Context, cfg *Config) error { return Validate(cfg) },
		log:      logx.Nop(),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
	m.subs.log = log
}

// SetValidator replaces the check run before a config is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.validate = fn }

// SetEnvLookup replaces os.LookupEnv for ${VAR} expansion.
func (m *Manager) SetEnvLookup(fn func(string) (string, bool)) { m.lookup = fn }

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, expandEnv(raw, m.lookup))
}

func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validate(ctx, cfg)
}

func (m *Manager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

// Unsubscribe detaches and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}
	if err := m.check(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.subs.publish(cfg)
	log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the file on change until ctx ends. The parent directory is
// watched and events matched by base name, since editors often replace the
// file rather than write it. A broken watcher is reopened with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	deb := &debouncer{wait: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	bo := watchBackoff{base: 250 * time.Millisecond, max: 5 * time.Second}
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
		} else {
			bo.reset()
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))
			m.follow(ctx, w, name, deb.touch)
			_ = w.Close()
			if ctx.Err() != nil {
				break
			}
			m.log.Warn("config watcher stopped, restarting", logx.String("dir", dir))
		}
		if !bo.sleep(ctx) {
			break
		}
	}
	return nil
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// follow consumes events until ctx ends or the watcher breaks.
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, name string, changed func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				changed()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// fanout delivers each config to every subscriber without blocking. A full
// subscriber loses its oldest pending config, never the newest.
type fanout struct {
	log logx.Logger

	mu   sync.Mutex
	subs []chan *Config
}

func (f *fanout) add(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fanout) remove(ch chan *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (f *fanout) publish(cfg *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			f.log.Debug("config update dropped, subscriber slow", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// debouncer runs fn once wait has passed without another touch.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

type watchBackoff struct {
	base, max, cur time.Duration
}

func (b *watchBackoff) reset() { b.cur = b.base }

// sleep waits the current delay plus up to half again as jitter, then
// doubles the delay. It reports false when ctx ended first.
func (b *watchBackoff) sleep(ctx context.Context) bool {
	if b.cur <= 0 {
		b.cur = b.base
	}
	wait := b.cur + time.Duration(rand.Int64N(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}
