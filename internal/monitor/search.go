package monitor

import (
	"context"
	"errors"
	"sort"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/filter"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// Searcher backfills a channel's history once per state lifetime.
type Searcher struct {
	conn   *ConnectionManager
	client platform.Client
	keeper *state.Keeper
	sink   Sink
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	stats  *Stats
	sleep  Sleeper
}

// InitialSearch backfills ch unless its resolved id is already initialized.
// It reports the channel id and whether the channel could be resolved.
func (s *Searcher) InitialSearch(ctx context.Context, ch channels.Channel) (platform.ChannelID, bool) {
	log := s.log.With(logx.Channel(ch.Handle))

	if err := s.conn.EnsureConnected(ctx); err != nil {
		log.Warn("backfill skipped; not connected", logx.Err(err))
		return 0, false
	}

	resolved, err := s.client.Resolve(ctx, ch.Handle)
	if err != nil {
		log.Error("resolve failed", logx.Err(err))
		return 0, false
	}
	st := s.keeper.State()
	if st.IsInitialized(resolved.ID) {
		log.Debug("already backfilled", logx.ChannelID(int64(resolved.ID)))
		return resolved.ID, true
	}

	log.Info("backfilling", logx.ChannelID(int64(resolved.ID)), logx.String("filter", ch.Filter.String()))

	var (
		found   []MatchedMessage
		maxSeen int64
	)
	keywords := ch.Filter.Keywords()
	if len(keywords) == 0 {
		msgs, err := s.fetch(ctx, log, "", func(ctx context.Context) ([]platform.Message, error) {
			return s.client.LatestMessages(ctx, resolved, s.cfg.FallbackLimit)
		})
		if ctx.Err() != nil {
			log.Info("backfill abandoned", logx.Err(ctx.Err()))
			return 0, false
		}
		if err == nil {
			found, maxSeen = collect(nil, msgs, ch.Filter, map[int64]struct{}{}, s.conn.Me())
		}
	} else {
		seen := map[int64]struct{}{}
		for _, kw := range keywords {
			if ctx.Err() != nil {
				log.Info("backfill abandoned", logx.Err(ctx.Err()))
				return 0, false
			}
			if err := s.conn.EnsureConnected(ctx); err != nil {
				log.Warn("keyword skipped; not connected", logx.String("keyword", kw), logx.Err(err))
				continue
			}
			msgs, err := s.fetch(ctx, log, kw, func(ctx context.Context) ([]platform.Message, error) {
				return s.client.Search(ctx, resolved, kw, ch.SearchLimit)
			})
			if err != nil {
				continue
			}
			var top int64
			found, top = collect(found, msgs, ch.Filter, seen, s.conn.Me())
			if top > maxSeen {
				maxSeen = top
			}
			log.Debug("keyword searched", logx.String("keyword", kw), logx.Int("results", len(msgs)), logx.Int("matches", len(found)))
		}
		if ctx.Err() != nil {
			log.Info("backfill abandoned", logx.Err(ctx.Err()))
			return 0, false
		}
	}

	// Nothing is sent until the head is known; a retry must not repeat the batch.
	head, err := s.fetch(ctx, log, "", func(ctx context.Context) ([]platform.Message, error) {
		return s.client.LatestMessages(ctx, resolved, 1)
	})
	if err != nil {
		log.Warn("channel head lookup failed; backfill will be retried", logx.Err(err))
		return 0, false
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].Time.Equal(found[j].Time) {
			return found[i].Time.After(found[j].Time)
		}
		return found[i].ID > found[j].ID
	})

	if len(found) > 0 {
		ok := s.sink.SendBatch(ctx, RouteFor(ch), found)
		log.Info("backfill batch offered", logx.Int("matches", len(found)), logx.Bool("accepted", ok))
		if s.stats != nil {
			s.stats.backfillMatches.Add(uint64(len(found)))
		}
	} else {
		log.Info("backfill found no matches")
	}

	if maxSeen > 0 {
		st.Advance(resolved.ID, maxSeen)
	}
	if len(head) > 0 {
		st.Advance(resolved.ID, head[0].ID)
	}

	st.MarkInitialized(resolved.ID)
	s.keeper.Save(ctx)
	if s.stats != nil {
		s.stats.backfilled.Add(1)
	}
	cursor, _ := st.Cursor(resolved.ID)
	log.Info("backfill complete", logx.Int64("cursor", cursor))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.MonitorBackfill, Data: map[string]any{
			"channel": ch.Handle, "matches": len(found), "cursor": cursor,
		}})
	}
	return resolved.ID, true
}

// fetch runs call, sleeping through flood waits and retrying the same call.
func (s *Searcher) fetch(ctx context.Context, log logx.Logger, keyword string, call func(context.Context) ([]platform.Message, error)) ([]platform.Message, error) {
	for retry := 0; ; retry++ {
		msgs, err := call(ctx)
		if err == nil {
			return msgs, nil
		}
		wait, ok := platform.AsFloodWait(err)
		if !ok {
			if !errors.Is(err, context.Canceled) {
				log.Error("history fetch failed", logx.String("keyword", keyword), logx.Err(err))
			}
			return nil, err
		}
		if s.stats != nil {
			s.stats.floodWaits.Add(1)
		}
		if retry >= s.cfg.MaxFloodRetries {
			log.Error("flood wait retries exhausted", logx.String("keyword", keyword), logx.Int("retries", retry))
			return nil, err
		}
		log.Warn("flood wait", logx.String("keyword", keyword), logx.Duration("wait", wait))
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// collect appends text messages that pass spec and were not seen before.
// It returns the grown slice and the highest id among msgs.
func collect(dst []MatchedMessage, msgs []platform.Message, spec filter.Spec, seen map[int64]struct{}, me platform.Identity) ([]MatchedMessage, int64) {
	var top int64
	for _, m := range msgs {
		if m.ID > top {
			top = m.ID
		}
		if !m.HasText() {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		ok, terms := filter.Match(m.Text, spec)
		if !ok {
			continue
		}
		seen[m.ID] = struct{}{}
		dst = append(dst, MatchedMessage{Message: m, MatchedTerms: terms, Own: isOwn(m, me)})
	}
	return dst, top
}

func isOwn(m platform.Message, me platform.Identity) bool {
	return me.ID != 0 && m.SenderID == me.ID
}
