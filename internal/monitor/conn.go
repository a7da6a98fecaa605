package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/platform"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// ConnectionManager keeps one session to the platform alive: connect with
// linear backoff, a periodic keep-alive ping, and health notifications.
//
// The keep-alive never reconnects on its own. It marks the connection
// degraded and closes the Degraded channel so the orchestrator can cycle.
type ConnectionManager struct {
	client platform.Client
	sink   Sink
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	stats  *Stats
	sleep  Sleeper

	onHeartbeat func()
	onState     func(ConnState)

	mu       sync.Mutex
	state    ConnState
	me       platform.Identity
	fatal    error
	degraded chan struct{}
	kaCancel context.CancelFunc
	kaDone   chan struct{}
}

func newConnectionManager(client platform.Client, sink Sink, cfg Config, log logx.Logger, bus eventbus.Bus, stats *Stats, sleep Sleeper) *ConnectionManager {
	if sleep == nil {
		sleep = sleepCtx
	}
	return &ConnectionManager{
		client:   client,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		bus:      bus,
		stats:    stats,
		sleep:    sleep,
		degraded: make(chan struct{}),
	}
}

func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Me returns the identity confirmed by the last successful connect.
func (c *ConnectionManager) Me() platform.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

// Fatal returns the sticky error that ends monitoring, if any.
func (c *ConnectionManager) Fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Degraded is closed when the keep-alive notices the session is gone.
func (c *ConnectionManager) Degraded() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *ConnectionManager) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if c.stats != nil {
		c.stats.state.Store(int32(s))
	}
	if prev != s && fn != nil {
		fn(s)
	}
}

// ConnectWithRetry connects, checks authorization and confirms liveness,
// retrying with a linear backoff. A missing login is fatal and not retried.
func (c *ConnectionManager) ConnectWithRetry(ctx context.Context) error {
	c.stopKeepAlive()

	max := c.cfg.MaxReconnectAttempts
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.stats != nil {
			c.stats.attempt.Store(int32(attempt))
		}
		c.setState(StateConnecting)
		c.log.Info("connecting", logx.Int("attempt", attempt), logx.Int("max", max))

		me, err := c.tryConnect(ctx)
		if err == nil {
			c.onConnected(ctx, me, attempt)
			return nil
		}
		if c.stats != nil {
			c.stats.connectFailures.Add(1)
		}
		if errors.Is(err, ErrReauthenticate) {
			c.mu.Lock()
			c.fatal = err
			c.mu.Unlock()
			c.setState(StateDisconnected)
			c.log.Error("session is not authorized; run the login flow", logx.Err(err))
			c.sink.SendHealthCheck(ctx, HealthFailed, "Session is not authorized. Log in again before restarting the monitor.")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.log.Warn("connect attempt failed", logx.Int("attempt", attempt), logx.Int("max", max), logx.Err(err))

		if attempt < max {
			delay := c.cfg.ReconnectDelay * time.Duration(attempt)
			c.log.Info("waiting before next connect attempt", logx.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	c.setState(StateDisconnected)
	c.log.Error("giving up connecting", logx.Int("attempts", max), logx.Err(lastErr))
	c.sink.SendHealthCheck(ctx, HealthFailed, fmt.Sprintf("Failed to connect after %d attempts: %v", max, lastErr))
	return fmt.Errorf("%w: %v", ErrConnectExhausted, lastErr)
}

func (c *ConnectionManager) tryConnect(ctx context.Context) (platform.Identity, error) {
	if err := c.client.Connect(ctx); err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			return platform.Identity{}, fmt.Errorf("%w: %v", ErrReauthenticate, err)
		}
		return platform.Identity{}, fmt.Errorf("connect: %w", err)
	}
	ok, err := c.client.Authorized(ctx)
	if errors.Is(err, platform.ErrUnauthorized) || (err == nil && !ok) {
		return platform.Identity{}, ErrReauthenticate
	}
	if err != nil {
		return platform.Identity{}, fmt.Errorf("authorization check: %w", err)
	}
	me, err := c.client.Self(ctx)
	if err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			return platform.Identity{}, fmt.Errorf("%w: %v", ErrReauthenticate, err)
		}
		return platform.Identity{}, fmt.Errorf("self: %w", err)
	}
	return me, nil
}

func (c *ConnectionManager) onConnected(ctx context.Context, me platform.Identity, attempt int) {
	c.mu.Lock()
	c.me = me
	c.degraded = make(chan struct{})
	c.mu.Unlock()
	c.setState(StateConnected)
	if c.stats != nil {
		c.stats.attempt.Store(0)
		c.stats.connects.Add(1)
	}

	c.startKeepAlive(ctx)

	c.log.Info("connected", logx.String("as", me.Display()), logx.Int("attempt", attempt))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.MonitorConnected, Data: map[string]any{"as": me.Display(), "attempt": attempt}})
	}
	c.sink.SendHealthCheck(ctx, HealthConnected, fmt.Sprintf("Successfully connected as %s (attempt %d)", me.Display(), attempt))
}

// EnsureConnected is a no-op while the session is healthy and reconnects
// otherwise.
func (c *ConnectionManager) EnsureConnected(ctx context.Context) error {
	if err := c.Fatal(); err != nil {
		return err
	}
	if c.State() == StateConnected && c.client.Connected() {
		return nil
	}
	c.log.Warn("connection lost; reconnecting", logx.String("state", c.State().String()))
	return c.ConnectWithRetry(ctx)
}

// Reset stops the keep-alive and drops the session.
func (c *ConnectionManager) Reset(ctx context.Context) {
	c.stopKeepAlive()
	if err := c.client.Disconnect(ctx); err != nil {
		c.log.Debug("disconnect failed", logx.Err(err))
	}
	c.setState(StateDisconnected)
}

func (c *ConnectionManager) startKeepAlive(parent context.Context) {
	c.stopKeepAlive()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.kaCancel = cancel
	c.kaDone = done
	degraded := c.degraded
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.keepAlive(ctx, degraded)
	}()
}

func (c *ConnectionManager) stopKeepAlive() {
	c.mu.Lock()
	cancel, done := c.kaCancel, c.kaDone
	c.kaCancel, c.kaDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *ConnectionManager) keepAlive(ctx context.Context, degraded chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := c.client.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("keep-alive failed; marking connection degraded", logx.Err(err))
			c.setState(StateDegraded)
			close(degraded)
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: eventbus.MonitorDegraded, Data: err.Error()})
			}
			return
		}
		c.log.Trace("keep-alive ok")
		c.mu.Lock()
		fn := c.onHeartbeat
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}
