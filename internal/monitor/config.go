package monitor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReauthenticate means the session lost its login. Fatal.
	ErrReauthenticate   = errors.New("monitor: session not authorized; log in again")
	ErrConnectExhausted = errors.New("monitor: connect attempts exhausted")
	ErrNoChannels       = errors.New("monitor: no usable channels")
	ErrDegraded         = errors.New("monitor: connection degraded")
	ErrStreamClosed     = errors.New("monitor: event stream closed")
)

// Config tunes the connection and ingestion loops.
type Config struct {
	MaxReconnectAttempts int
	// ReconnectDelay is multiplied by the attempt number between connect
	// attempts, and waited once after a listen cycle ends.
	ReconnectDelay  time.Duration
	PingInterval    time.Duration
	CycleRetryDelay time.Duration
	// FallbackLimit is how many recent messages a channel without search
	// keywords is backfilled from.
	FallbackLimit   int
	MaxFloodRetries int
	// CatchUpPage is the page size used to replay posts missed between
	// listen cycles.
	CatchUpPage int
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		ReconnectDelay:       30 * time.Second,
		PingInterval:         60 * time.Second,
		CycleRetryDelay:      60 * time.Second,
		FallbackLimit:        50,
		MaxFloodRetries:      5,
		CatchUpPage:          100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.CycleRetryDelay <= 0 {
		c.CycleRetryDelay = def.CycleRetryDelay
	}
	if c.FallbackLimit <= 0 {
		c.FallbackLimit = def.FallbackLimit
	}
	if c.CatchUpPage <= 0 {
		c.CatchUpPage = def.CatchUpPage
	}
	if c.MaxFloodRetries < 0 {
		c.MaxFloodRetries = 0
	} else if c.MaxFloodRetries == 0 {
		c.MaxFloodRetries = def.MaxFloodRetries
	}
	return c
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
