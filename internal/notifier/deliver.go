package notifier

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/HypeDuke/osint3/internal/eventbus"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

const historyLimit = 300

// recent keeps the last historyLimit deliveries.
type recent struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (r *recent) add(it HistoryItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, it)
	if over := len(r.items) - historyLimit; over > 0 {
		r.items = append(r.items[:0], r.items[over:]...)
	}
}

func (r *recent) list() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HistoryItem(nil), r.items...)
}

// Snapshot returns the recent delivery history, oldest first.
func (s *Service) Snapshot() []HistoryItem { return s.history.list() }

func (s *Service) publish(typ string, n Notification, key, transport string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{ID: n.ID.String(), Kind: n.Kind, Channel: n.Channel, Transport: transport, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		var w dedupWrite
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			w = next
		}
		pctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(pctx, w.key, w.until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			for _, t := range s.Transports() {
				if t.HasRecipients(j.n.Health) {
					s.deliver(ctx, t, j)
				}
			}
		}
	}
}

// deliver sends j through t with retries, unless t's circuit is open.
// The breaker sees one outcome per notification.
func (s *Service) deliver(ctx context.Context, t Transport, j job) {
	name := t.Name()
	log := s.log.With(logx.String("transport", name), logx.String("id", j.n.ID.String()))

	if open, until := s.breakers.open(name, time.Now()); open {
		log.Warn("notification skipped, transport cooling down", logx.String("subject", j.n.Subject), logx.Time("until", until))
		s.publish(eventbus.NotifierFailed, j.n, j.key, name, ErrCircuitOpen)
		return
	}

	attempt, err := s.sendWithRetry(ctx, t, j.n, log)
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if err == nil {
		s.breakers.record(name, now, nil)
		s.history.add(HistoryItem{At: now, Kind: j.n.Kind, Subject: j.n.Subject, Transport: name})
		s.publish(eventbus.NotifierSent, j.n, j.key, name, nil)
		log.Debug("notification sent", logx.String("kind", string(j.n.Kind)), logx.Int("attempt", attempt))
		return
	}

	log.Warn("notification dropped", logx.String("subject", j.n.Subject), logx.Err(err))
	if s.breakers.record(name, now, err) {
		log.Error("transport keeps failing, pausing deliveries", logx.Err(err))
	}
	s.publish(eventbus.NotifierFailed, j.n, j.key, name, err)
}

// sendWithRetry returns the attempt that succeeded or the last error.
func (s *Service) sendWithRetry(ctx context.Context, t Transport, n Notification, log logx.Logger) (int, error) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= cfg.RetryMax+1; attempt++ {
		if attempt > 1 && !sleepCtx(ctx, retryDelay(cfg, attempt-1)) {
			return attempt, ctx.Err()
		}
		if werr := lim.Wait(ctx); werr != nil {
			return attempt, werr
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = t.Send(sctx, n)
		cancel()
		if err == nil {
			return attempt, nil
		}
		log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", cfg.RetryMax+1))
	}
	return cfg.RetryMax + 1, err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryDelay is the pause after the given failed attempt: RetryBase doubled
// per attempt, capped at RetryMaxDelay, with ±30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
