package notifier

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("transport circuit open")

// breakerCfg trips after trip consecutive failed deliveries and then
// skips the transport for a cooldown that doubles per further failure.
type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

var defaultBreaker = breakerCfg{
	trip:       5,
	baseDelay:  30 * time.Second,
	maxDelay:   10 * time.Minute,
	resetAfter: 15 * time.Minute,
}

type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breakers keeps one circuit per transport name. One result is recorded
// per notification, after its retries.
type breakers struct {
	mu  sync.Mutex
	cfg breakerCfg
	m   map[string]*circuit
}

func newBreakers(cfg breakerCfg) *breakers {
	return &breakers{cfg: cfg, m: map[string]*circuit{}}
}

func (b *breakers) getLocked(name string, now time.Time) *circuit {
	c := b.m[name]
	if c == nil {
		c = &circuit{}
		b.m[name] = c
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > b.cfg.resetAfter {
		*c = circuit{}
	}
	return c
}

// open reports whether name is cooling down and until when.
func (b *breakers) open(name string, now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.getLocked(name, now)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record returns true when this failure tripped the circuit.
func (b *breakers) record(name string, now time.Time, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.getLocked(name, now)
	if err == nil {
		*c = circuit{}
		return false
	}
	c.fails++
	c.lastFailure = now
	if c.fails < b.cfg.trip {
		return false
	}
	d := b.cfg.baseDelay
	for i := b.cfg.trip; i < c.fails && d < b.cfg.maxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, b.cfg.maxDelay))
	return true
}

// CircuitState is the breaker view of one transport.
type CircuitState struct {
	Transport string    `json:"transport"`
	Failures  int       `json:"consecutive_failures"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

func (b *breakers) snapshot(now time.Time) []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CircuitState, 0, len(b.m))
	for name := range b.m {
		c := b.getLocked(name, now)
		st := CircuitState{Transport: name, Failures: c.fails}
		if now.Before(c.openUntil) {
			st.OpenUntil = c.openUntil
		}
		out = append(out, st)
	}
	return out
}
