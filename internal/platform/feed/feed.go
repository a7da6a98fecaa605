// Package feed fans live posts out to platform subscriptions.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/HypeDuke/osint3/internal/platform"
)

// retryEvery is how often a full subscription is retried.
const retryEvery = 50 * time.Millisecond

// Hub holds the open subscriptions of one client. Publish blocks while a
// matching subscriber is slow, so a slow reader slows the producer instead
// of losing posts.
type Hub struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]*sub
}

type sub struct {
	ctx context.Context
	ids map[platform.ChannelID]struct{}
	out chan platform.Event
	// closed is guarded by Hub.mu.
	closed bool
}

// Subscribe opens a subscription for ids. It closes when ctx ends or
// CloseAll runs.
func (h *Hub) Subscribe(ctx context.Context, ids []platform.ChannelID, buffer int) <-chan platform.Event {
	s := &sub{
		ctx: ctx,
		ids: make(map[platform.ChannelID]struct{}, len(ids)),
		out: make(chan platform.Event, buffer),
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = map[uint64]*sub{}
	}
	h.seq++
	key := h.seq
	h.subs[key] = s
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		h.closeLocked(key)
		h.mu.Unlock()
	}()
	return s.out
}

// Publish hands msg to every subscription of its channel and reports how
// many took it.
func (h *Hub) Publish(msg platform.Message) int {
	h.mu.Lock()
	var targets []*sub
	for _, s := range h.subs {
		if _, ok := s.ids[msg.ChannelID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, s := range targets {
		if h.deliver(s, platform.Event{Message: msg}) {
			n++
		}
	}
	return n
}

// Len reports the open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// CloseAll closes every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.subs {
		h.closeLocked(key)
	}
}

func (h *Hub) closeLocked(key uint64) {
	s, ok := h.subs[key]
	if !ok {
		return
	}
	delete(h.subs, key)
	s.closed = true
	close(s.out)
}

// deliver sends under mu so closing cannot race the send.
func (h *Hub) deliver(s *sub, ev platform.Event) bool {
	for {
		h.mu.Lock()
		if s.closed {
			h.mu.Unlock()
			return false
		}
		select {
		case s.out <- ev:
			h.mu.Unlock()
			return true
		default:
		}
		h.mu.Unlock()

		t := time.NewTimer(retryEvery)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
