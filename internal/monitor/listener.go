package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/filter"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// Listener tails verified channels and offers matching posts to the sink.
// HandleMessage is only ever called from the Listen goroutine.
type Listener struct {
	conn     *ConnectionManager
	client   platform.Client
	keeper   *state.Keeper
	sink     Sink
	log      logx.Logger
	bus      eventbus.Bus
	stats    *Stats
	channels []channels.Channel
	// page bounds one MessagesAfter call during catch-up.
	page  int
	fetch func(ctx context.Context, log logx.Logger, keyword string, call func(context.Context) ([]platform.Message, error)) ([]platform.Message, error)

	routes map[platform.ChannelID]channels.Channel
	peers  map[platform.ChannelID]platform.Channel
	order  []platform.ChannelID
}

// SetupChannels resolves and verifies every configured channel and rebuilds
// the routing table. Channels that fail are left out for this cycle.
func (l *Listener) SetupChannels(ctx context.Context) error {
	routes := make(map[platform.ChannelID]channels.Channel, len(l.channels))
	peers := make(map[platform.ChannelID]platform.Channel, len(l.channels))
	order := make([]platform.ChannelID, 0, len(l.channels))

	for _, ch := range l.channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := l.log.With(logx.Channel(ch.Handle))
		resolved, err := l.client.Resolve(ctx, ch.Handle)
		if err != nil {
			log.Warn("channel excluded; resolve failed", logx.Err(err))
			continue
		}
		m := l.membership(ctx, resolved, log)
		switch m {
		case platform.MembershipDenied:
			log.Warn("channel excluded; not readable")
			continue
		case platform.MembershipUnknown:
			log.Warn("membership unknown; listening anyway")
		}
		if _, dup := routes[resolved.ID]; dup {
			log.Warn("channel resolves to an id already monitored", logx.ChannelID(int64(resolved.ID)))
			continue
		}
		routes[resolved.ID] = ch
		peers[resolved.ID] = resolved
		order = append(order, resolved.ID)
		log.Info("channel ready", logx.ChannelID(int64(resolved.ID)), logx.String("membership", m.String()))
	}

	l.routes = routes
	l.peers = peers
	l.order = order
	if l.stats != nil {
		l.stats.listening.Store(int32(len(order)))
	}
	if len(order) == 0 {
		return ErrNoChannels
	}
	return nil
}

func (l *Listener) membership(ctx context.Context, ch platform.Channel, log logx.Logger) platform.Membership {
	m, err := l.client.CheckMembership(ctx, ch)
	if err == nil {
		return m
	}
	log.Debug("membership check failed; probing", logx.Err(err))
	msgs, err := l.client.LatestMessages(ctx, ch, 1)
	switch {
	case err != nil:
		log.Debug("read check failed", logx.Err(err))
		return platform.MembershipDenied
	case len(msgs) > 0:
		return platform.MembershipVerified
	default:
		return platform.MembershipUnknown
	}
}

// Listen consumes live events until ctx ends, the stream closes or the
// connection degrades.
func (l *Listener) Listen(ctx context.Context) error {
	if len(l.order) == 0 {
		return ErrNoChannels
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := l.client.Subscribe(sctx, l.order)
	if err != nil {
		return err
	}
	degraded := l.conn.Degraded()
	if err := l.catchUp(sctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	l.log.Info("listening", logx.Int("channels", len(l.order)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-degraded:
			return ErrDegraded
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrStreamClosed
			}
			l.HandleMessage(ctx, ev)
		}
	}
}

// catchUp replays what each channel received after its cursor, covering
// the time no subscription was open. Subscribe runs first, so a post that
// lands during catch-up is either replayed here or delivered live, and the
// live copy of a replayed post is dropped as stale.
func (l *Listener) catchUp(ctx context.Context) error {
	st := l.keeper.State()
	for _, id := range l.order {
		after, ok := st.Cursor(id)
		if !ok && !st.IsInitialized(id) {
			continue
		}
		ch := l.routes[id]
		log := l.log.With(logx.Channel(ch.Handle))
		replayed := 0
		for {
			msgs, err := l.fetchAfter(ctx, log, l.peers[id], after)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, platform.ErrNotConnected) || errors.Is(err, platform.ErrUnauthorized) {
					return fmt.Errorf("catch up %s: %w", ch.Handle, err)
				}
				log.Error("catch-up failed; posts since the cursor are skipped", logx.Int64("cursor", after), logx.Err(err))
				break
			}
			from := after
			for _, m := range msgs {
				if m.ID <= after {
					continue
				}
				l.HandleMessage(ctx, platform.Event{Message: m})
				after = m.ID
				replayed++
			}
			if len(msgs) < l.page || after == from {
				break
			}
		}
		if replayed > 0 {
			if l.stats != nil {
				l.stats.replayed.Add(uint64(replayed))
			}
			log.Info("caught up", logx.Int("posts", replayed), logx.Int64("cursor", after))
		}
	}
	return nil
}

func (l *Listener) fetchAfter(ctx context.Context, log logx.Logger, ch platform.Channel, after int64) ([]platform.Message, error) {
	call := func(ctx context.Context) ([]platform.Message, error) {
		return l.client.MessagesAfter(ctx, ch, after, l.page)
	}
	if l.fetch == nil {
		return call(ctx)
	}
	return l.fetch(ctx, log, "", call)
}

// HandleMessage applies replay protection, advances the cursor and offers
// matching text to the sink.
func (l *Listener) HandleMessage(ctx context.Context, ev platform.Event) {
	msg := ev.Message
	ch, ok := l.routes[msg.ChannelID]
	if !ok {
		return
	}
	st := l.keeper.State()
	if cur, ok := st.Cursor(msg.ChannelID); ok && msg.ID <= cur {
		if l.stats != nil {
			l.stats.stale.Add(1)
		}
		l.log.Debug("stale event ignored", logx.Channel(ch.Handle), logx.Int64("id", msg.ID), logx.Int64("cursor", cur))
		return
	}

	st.Advance(msg.ChannelID, msg.ID)
	l.keeper.Save(ctx)
	if l.stats != nil {
		l.stats.events.Add(1)
		l.stats.lastEvent.Store(time.Now().UnixNano())
	}

	log := l.log.With(logx.Channel(ch.Handle), logx.Int64("id", msg.ID))
	if !msg.HasText() {
		if len(msg.Attachments) > 0 {
			log.Info("post without text", logx.Strings("attachments", platform.AttachmentNames(msg.Attachments)))
		} else {
			log.Debug("empty post")
		}
		return
	}

	ok, terms := filter.Match(msg.Text, ch.Filter)
	if !ok {
		if l.stats != nil {
			l.stats.rejected.Add(1)
		}
		log.Debug("filtered out")
		return
	}

	mm := MatchedMessage{Message: msg, MatchedTerms: terms, Own: isOwn(msg, l.conn.Me())}
	accepted := l.sink.SendSingle(ctx, RouteFor(ch), mm)
	if l.stats != nil {
		l.stats.matches.Add(1)
	}
	log.Info("match offered", logx.Strings("terms", terms), logx.Bool("accepted", accepted))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.MonitorMatched, Data: map[string]any{"channel": ch.Handle, "id": msg.ID}})
	}
}
