package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/notifier/render"
	rtsup "github.com/HypeDuke/osint3/internal/runtime/supervisor"
	"github.com/HypeDuke/osint3/internal/storage"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

var (
	ErrDisabled     = errors.New("notifier disabled")
	ErrQueueFull    = errors.New("notifier queue full")
	ErrStopped      = errors.New("notifier stopped")
	ErrNoRecipients = errors.New("notifier has no recipients")
)

type job struct {
	n   Notification
	key string
}

// Service is the queue + worker pool + rate limit + retry + dedup pipeline.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	renderer *render.Renderer

	cfg        Config
	limiter    *rate.Limiter
	transports []Transport

	run *pipeline

	dedup    *dedupCache
	breakers *breakers

	history recent
}

func New(cfg Config, r *render.Renderer, log logx.Logger, bus eventbus.Bus, store storage.Store, transports ...Transport) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		renderer: r,
		dedup:    newDedupCache(),
		breakers: newBreakers(defaultBreaker),
	}
	s.applyLocked(cfg)
	s.transports = append([]Transport(nil), transports...)
	return s
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps pipeline settings. Worker and queue sizes take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetTransports replaces the delivery transports.
func (s *Service) SetTransports(ts ...Transport) {
	s.mu.Lock()
	s.transports = append([]Transport(nil), ts...)
	s.mu.Unlock()
}

func (s *Service) Transports() []Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transport(nil), s.transports...)
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// pipeline is one Start..Stop run of the queue and its workers.
type pipeline struct {
	queue    chan job
	persist  chan dedupWrite
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}
	p := &pipeline{
		queue: make(chan job, s.cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, 1024)
		p.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, p.persist)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, p.queue)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.run = p
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("transports", len(s.transports)))
}

// Stop refuses new work, lets the workers drain the queue until ctx ends,
// then cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	s.run = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	p.inflight.Wait()
	close(p.queue)
	if p.persist != nil {
		close(p.persist)
	}
	if err := p.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.sup.Cancel()
		_ = p.sup.Wait(context.Background())
	}
	s.log.Info("notifier stopped")
}

// Notify queues n for delivery. Duplicates inside the dedup window return
// nil without being queued.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, p := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 {
		var st storage.Store
		if cfg.PersistDedup {
			st = s.store
		}
		if !s.dedup.allow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries, st, p.persist) {
			s.publish(eventbus.NotifierDeduped, n, key, "", nil)
			return nil
		}
	}

	select {
	case p.queue <- job{n: n, key: key}:
		s.publish(eventbus.NotifierQueued, n, key, "", nil)
		return nil
	default:
		s.publish(eventbus.NotifierDropped, n, key, "", ErrQueueFull)
		return ErrQueueFull
	}
}

// Circuits reports the per-transport breakers.
func (s *Service) Circuits() []CircuitState { return s.breakers.snapshot(time.Now()) }
