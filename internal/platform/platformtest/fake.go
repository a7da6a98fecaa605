// Package platformtest provides a scriptable in-memory platform.Client.
package platformtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/HypeDuke/osint3/internal/platform"
)

// Fake is a platform.Client whose behaviour is set up field by field.
// All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per Connect call; nil entries and
	// an exhausted slice mean success.
	ConnectErrs []error
	// Unauthorized makes Authorized report false.
	Unauthorized bool
	Me           platform.Identity
	SelfErr      error
	// PingErrs is consumed one entry per Ping call.
	PingErrs []error

	Channels      map[string]platform.Channel
	Memberships   map[platform.ChannelID]platform.Membership
	MembershipErr map[platform.ChannelID]error

	// History holds each channel's messages in any order. Post appends to
	// it, like a server that keeps posts nobody was listening for.
	History   map[platform.ChannelID][]platform.Message
	LatestErr map[platform.ChannelID]error
	AfterErr  map[platform.ChannelID]error
	// SearchErrs is consumed per query key, one entry per Search call.
	SearchErrs map[string][]error

	connected bool
	subs      []*fakeSub

	ConnectCalls    int
	DisconnectCalls int
	PingCalls       int
	Searches        []string
	AfterCalls      int
	Subscribed      [][]platform.ChannelID
}

type fakeSub struct {
	ids  map[platform.ChannelID]struct{}
	in   chan platform.Event
	done chan struct{}
	once sync.Once
}

func (s *fakeSub) stop() { s.once.Do(func() { close(s.done) }) }

func New() *Fake {
	return &Fake{
		Me:            platform.Identity{ID: 1, Username: "monitor"},
		Channels:      map[string]platform.Channel{},
		Memberships:   map[platform.ChannelID]platform.Membership{},
		MembershipErr: map[platform.ChannelID]error{},
		History:       map[platform.ChannelID][]platform.Message{},
		LatestErr:     map[platform.ChannelID]error{},
		AfterErr:      map[platform.ChannelID]error{},
		SearchErrs:    map[string][]error{},
	}
}

// AddChannel registers a resolvable channel with a verified membership.
func (f *Fake) AddChannel(handle string, id platform.ChannelID, msgs ...platform.Message) platform.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := platform.Channel{ID: id, Handle: handle, Title: handle, Broadcast: true}
	f.Channels[handle] = ch
	f.Memberships[id] = platform.MembershipVerified
	for i := range msgs {
		msgs[i].ChannelID = id
	}
	f.History[id] = append(f.History[id], msgs...)
	return ch
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		if err != nil {
			f.connected = false
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Drop simulates a silent session loss.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *Fake) Authorized(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unauthorized, nil
}

func (f *Fake) Self(ctx context.Context) (platform.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SelfErr != nil {
		return platform.Identity{}, f.SelfErr
	}
	return f.Me, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingCalls++
	if len(f.PingErrs) > 0 {
		err := f.PingErrs[0]
		f.PingErrs = f.PingErrs[1:]
		return err
	}
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisconnectCalls++
	f.connected = false
	return nil
}

func (f *Fake) Resolve(ctx context.Context, handle string) (platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[platform.NormalizeHandle(handle)]
	if !ok {
		return platform.Channel{}, platform.ErrNotFound
	}
	return ch, nil
}

func (f *Fake) CheckMembership(ctx context.Context, ch platform.Channel) (platform.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MembershipErr[ch.ID]; err != nil {
		return platform.MembershipUnknown, err
	}
	return f.Memberships[ch.ID], nil
}

func (f *Fake) LatestMessages(ctx context.Context, ch platform.Channel, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.LatestErr[ch.ID]; err != nil {
		return nil, err
	}
	return newestFirst(f.History[ch.ID], "", limit), nil
}

func (f *Fake) Search(ctx context.Context, ch platform.Channel, query string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Searches = append(f.Searches, query)
	if errs := f.SearchErrs[query]; len(errs) > 0 {
		err := errs[0]
		f.SearchErrs[query] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return newestFirst(f.History[ch.ID], query, limit), nil
}

func (f *Fake) MessagesAfter(ctx context.Context, ch platform.Channel, after int64, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AfterCalls++
	if err := f.AfterErr[ch.ID]; err != nil {
		return nil, err
	}
	var out []platform.Message
	for _, m := range f.History[ch.ID] {
		if m.ID > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Subscribe delivers what Post publishes from now on. Earlier posts are
// only reachable through History.
func (f *Fake) Subscribe(ctx context.Context, channels []platform.ChannelID) (<-chan platform.Event, error) {
	sub := &fakeSub{
		ids:  make(map[platform.ChannelID]struct{}, len(channels)),
		in:   make(chan platform.Event, 64),
		done: make(chan struct{}),
	}
	for _, id := range channels {
		sub.ids[id] = struct{}{}
	}
	f.mu.Lock()
	f.Subscribed = append(f.Subscribed, append([]platform.ChannelID(nil), channels...))
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	out := make(chan platform.Event)
	go func() {
		defer close(out)
		defer f.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case ev := <-sub.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) unsubscribe(sub *fakeSub) {
	sub.stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// Post publishes m: it joins the channel history and reaches every open
// subscription for its channel. With no subscription open it is only
// recorded.
func (f *Fake) Post(m platform.Message) {
	f.mu.Lock()
	f.History[m.ChannelID] = append(f.History[m.ChannelID], m)
	var targets []*fakeSub
	for _, s := range f.subs {
		if _, ok := s.ids[m.ChannelID]; ok {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		select {
		case s.in <- platform.Event{Message: m}:
		case <-s.done:
		}
	}
}

// CloseStreams ends every open subscription, as a dropped session would.
func (f *Fake) CloseStreams() {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// SubscribeCalls reports how many times Subscribe ran.
func (f *Fake) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Subscribed)
}

// AfterCount reports how many MessagesAfter calls ran.
func (f *Fake) AfterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AfterCalls
}

// Subscriptions reports how many subscriptions are open.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Counts returns the connect, disconnect and ping call counters.
func (f *Fake) Counts() (connects, disconnects, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectCalls, f.DisconnectCalls, f.PingCalls
}

// SearchCount reports how many searches ran for query.
func (f *Fake) SearchCount(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.Searches {
		if q == query {
			n++
		}
	}
	return n
}

func newestFirst(msgs []platform.Message, query string, limit int) []platform.Message {
	q := strings.ToLower(query)
	out := make([]platform.Message, 0, len(msgs))
	for _, m := range msgs {
		if q != "" && !strings.Contains(strings.ToLower(m.Text), q) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ platform.Client = (*Fake)(nil)
