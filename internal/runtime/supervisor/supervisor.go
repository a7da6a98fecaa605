// Package supervisor runs named goroutines under one context with panic
// recovery, optional restart with backoff, and per-name statistics.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// Supervisor owns a context and every goroutine started through it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg      sync.WaitGroup
	waiting sync.Once
	done    chan struct{}

	errMu    sync.Mutex
	firstErr error

	started atomic.Uint64
	active  atomic.Int64

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the supervisor on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   logx.Nop(),
		done:  make(chan struct{}),
		tasks: map[string]*TaskStats{},
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded task error.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) record(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats accumulates over every run of one task name.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitzero"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitzero"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Runtime     time.Duration `json:"runtime"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

// Snapshot lists tasks, running ones first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: Counters{Active: s.active.Load(), Started: s.started.Load()}}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

func (s *Supervisor) stats(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
}

// attempt runs fn once under name's stats. A panic becomes an error.
// Cancellation is not an error.
func (s *Supervisor) attempt(ctx context.Context, name string, restart bool, fn func(context.Context) error) (err error) {
	begin := time.Now()
	s.stats(name, func(t *TaskStats) {
		t.Started++
		t.Active++
		t.LastStartAt = begin
		if restart {
			t.Restarts++
		}
	})
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			s.stats(name, func(t *TaskStats) {
				t.Panics++
				t.LastPanic = fmt.Sprint(p)
			})
			err = fmt.Errorf("panic in %s: %v", name, p)
		} else if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}
		end := time.Now()
		s.stats(name, func(t *TaskStats) {
			t.Active = max(t.Active-1, 0)
			t.LastStopAt = end
			t.Runtime += end.Sub(begin)
			if err != nil {
				t.LastErr = err.Error()
				t.LastErrAt = end
			}
		})
	}()
	return fn(ctx)
}

// spawn tracks one goroutine in the counters and the wait group.
func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once. A panic or a non-cancellation error is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		if err := s.attempt(s.ctx, name, false, fn); err != nil {
			s.record(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*policy)

type policy struct {
	minDelay, maxDelay time.Duration
	maxRestarts        int
	publish            bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *policy) {
		if lo > 0 {
			p.minDelay = lo
		}
		if hi > 0 {
			p.maxDelay = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts; n <= 0 means never.
func WithMaxRestarts(n int) RestartOption { return func(p *policy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *policy) { p.publish = enabled }
}

// healthyRun resets the backoff when a run lasted at least this long.
const healthyRun = 30 * time.Second

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff until the supervisor is cancelled. A nil return ends
// the task.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := policy{minDelay: 250 * time.Millisecond, maxDelay: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxDelay = max(p.maxDelay, p.minDelay)

	s.spawn(func() {
		delay := p.minDelay
		for n := 0; s.ctx.Err() == nil; n++ {
			begin := time.Now()
			err := s.attempt(s.ctx, name, n > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.publish {
				s.record(err)
			}
			if p.maxRestarts > 0 && n >= p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				return
			}
			if time.Since(begin) >= healthyRun {
				delay = p.minDelay
			}
			wait := delay + time.Duration(rand.Int64N(int64(delay)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
			delay = min(delay*2, p.maxDelay)
		}
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waiting.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
