// Package mtproto implements platform.Client on a Telegram user session.
//
// A user account reads any public channel, searches its history on the
// server and receives new posts as updates, none of which a bot can do.
// The session is created once with Login and kept in a file. Channel IDs
// use the Bot API form (-100 followed by the channel id), so state written
// by either adapter stays valid.
package mtproto

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/platform/feed"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type Config struct {
	AppID       int
	AppHash     string
	SessionPath string
	// RequestsPerSec paces outbound calls. 0 means 5.
	RequestsPerSec int
}

func (c Config) validate() error {
	switch {
	case c.AppID <= 0:
		return errors.New("telegram user session: api_id is required")
	case strings.TrimSpace(c.AppHash) == "":
		return errors.New("telegram user session: api_hash is required")
	case strings.TrimSpace(c.SessionPath) == "":
		return errors.New("telegram user session: session_path is required")
	}
	return nil
}

func (c Config) newClient(handler telegram.UpdateHandler) (*telegram.Client, error) {
	if err := os.MkdirAll(filepath.Dir(c.SessionPath), 0o700); err != nil {
		return nil, err
	}
	return telegram.NewClient(c.AppID, c.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.SessionPath},
		UpdateHandler:  handler,
	}), nil
}

type Client struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	tc     *telegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	subs      feed.Hub
	received  atomic.Uint64

	peersMu sync.Mutex
	// peers maps a channel to its access hash, learned on Resolve.
	peers map[platform.ChannelID]int64
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		peers:   map[platform.ChannelID]int64{},
	}, nil
}

// Received returns how many live channel posts arrived since start.
func (c *Client) Received() uint64 { return c.received.Load() }

// Connect opens the MTProto connection. The session may still lack a login;
// Authorized tells.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tc != nil && c.connected.Load() {
		return nil
	}
	c.stopLocked(ctx)

	d := tg.NewUpdateDispatcher()
	d.OnNewChannelMessage(func(_ context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.handleUpdate(u.Message)
		return nil
	})
	tc, err := c.cfg.newClient(&d)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = tc.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.connected.Store(false)
		c.subs.CloseAll()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			c.log.Warn("telegram session ended", logx.Err(runErr))
		}
	}()

	select {
	case <-ready:
	case <-done:
		cancel()
		return fmt.Errorf("connect: %w", mapErr(runErr))
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
	c.tc, c.api, c.cancel, c.done = tc, tc.API(), cancel, done
	c.connected.Store(true)
	c.log.Info("telegram session connected")
	return nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
	return nil
}

func (c *Client) stopLocked(ctx context.Context) {
	cancel, done := c.cancel, c.done
	c.tc, c.api, c.cancel, c.done = nil, nil, nil, nil
	c.connected.Store(false)
	c.subs.CloseAll()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("telegram session stop timed out")
	}
}

func (c *Client) session() (*telegram.Client, *tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tc == nil || !c.connected.Load() {
		return nil, nil, platform.ErrNotConnected
	}
	return c.tc, c.api, nil
}

func (c *Client) Authorized(ctx context.Context) (bool, error) {
	tc, _, err := c.session()
	if err != nil {
		return false, err
	}
	st, err := tc.Auth().Status(ctx)
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, platform.ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return st.Authorized, nil
}

func (c *Client) Self(ctx context.Context) (platform.Identity, error) {
	tc, _, err := c.session()
	if err != nil {
		return platform.Identity{}, err
	}
	u, err := tc.Self(ctx)
	if err != nil {
		return platform.Identity{}, mapErr(err)
	}
	return identityOf(u), nil
}

// Ping asks for the update state, which also keeps updates flowing.
func (c *Client) Ping(ctx context.Context) error {
	_, api, err := c.session()
	if err != nil {
		return err
	}
	_, err = api.UpdatesGetState(ctx)
	return mapErr(err)
}

func (c *Client) Resolve(ctx context.Context, handle string) (platform.Channel, error) {
	_, api, err := c.session()
	if err != nil {
		return platform.Channel{}, err
	}
	handle = platform.NormalizeHandle(handle)
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.Channel{}, err
	}
	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: handle})
	if err != nil {
		return platform.Channel{}, fmt.Errorf("resolve @%s: %w", handle, mapErr(err))
	}
	ch, ok := channelOf(res.Chats, handle)
	if !ok {
		return platform.Channel{}, fmt.Errorf("resolve @%s: %w", handle, platform.ErrNotFound)
	}
	id := canonicalID(ch.ID)
	c.peersMu.Lock()
	c.peers[id] = ch.AccessHash
	c.peersMu.Unlock()
	return platform.Channel{ID: id, Handle: handle, Title: ch.Title, Broadcast: ch.Broadcast}, nil
}

// input returns the peer for ch, resolving its handle when the access hash
// is not known yet.
func (c *Client) input(ctx context.Context, ch platform.Channel) (*tg.InputChannel, error) {
	c.peersMu.Lock()
	hash, ok := c.peers[ch.ID]
	c.peersMu.Unlock()
	if !ok {
		if ch.Handle == "" {
			return nil, fmt.Errorf("channel %d: %w", ch.ID, platform.ErrNotFound)
		}
		resolved, err := c.Resolve(ctx, ch.Handle)
		if err != nil {
			return nil, err
		}
		if resolved.ID != ch.ID {
			return nil, fmt.Errorf("@%s now resolves to %d, not %d: %w", ch.Handle, resolved.ID, ch.ID, platform.ErrNotFound)
		}
		c.peersMu.Lock()
		hash = c.peers[ch.ID]
		c.peersMu.Unlock()
	}
	return &tg.InputChannel{ChannelID: rawID(ch.ID), AccessHash: hash}, nil
}

func peerOf(in *tg.InputChannel) *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: in.ChannelID, AccessHash: in.AccessHash}
}

func (c *Client) CheckMembership(ctx context.Context, ch platform.Channel) (platform.Membership, error) {
	_, api, err := c.session()
	if err != nil {
		return platform.MembershipUnknown, err
	}
	in, err := c.input(ctx, ch)
	if err != nil {
		return platform.MembershipUnknown, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.MembershipUnknown, err
	}
	_, err = api.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     in,
		Participant: &tg.InputPeerSelf{},
	})
	return membershipOf(err)
}

func (c *Client) LatestMessages(ctx context.Context, ch platform.Channel, limit int) ([]platform.Message, error) {
	_, api, err := c.session()
	if err != nil {
		return nil, err
	}
	in, err := c.input(ctx, ch)
	if err != nil {
		return nil, err
	}
	return c.pages(ctx, ch.ID, limit, func(ctx context.Context, offsetID, n int) (tg.MessagesMessagesClass, error) {
		return api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peerOf(in),
			OffsetID: offsetID,
			Limit:    n,
		})
	})
}

// Search runs the server-side search, which matches words regardless of
// case.
func (c *Client) Search(ctx context.Context, ch platform.Channel, query string, limit int) ([]platform.Message, error) {
	_, api, err := c.session()
	if err != nil {
		return nil, err
	}
	in, err := c.input(ctx, ch)
	if err != nil {
		return nil, err
	}
	return c.pages(ctx, ch.ID, limit, func(ctx context.Context, offsetID, n int) (tg.MessagesMessagesClass, error) {
		return api.MessagesSearch(ctx, &tg.MessagesSearchRequest{
			Peer:     peerOf(in),
			Q:        query,
			Filter:   &tg.InputMessagesFilterEmpty{},
			OffsetID: offsetID,
			Limit:    n,
		})
	})
}

// MessagesAfter reads the window just above after: offset after+1 with a
// negative add_offset of the page size.
func (c *Client) MessagesAfter(ctx context.Context, ch platform.Channel, after int64, limit int) ([]platform.Message, error) {
	_, api, err := c.session()
	if err != nil {
		return nil, err
	}
	in, err := c.input(ctx, ch)
	if err != nil {
		return nil, err
	}
	n := min(max(limit, 1), pageSize)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peerOf(in),
		OffsetID:  int(after) + 1,
		AddOffset: -n,
		Limit:     n,
		MinID:     int(after),
	})
	if err != nil {
		return nil, mapErr(err)
	}
	var out []platform.Message
	for _, mc := range messagesOf(res) {
		if m, ok := toMessage(ch.ID, mc); ok && m.ID > after {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b platform.Message) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

const pageSize = 100

// pages calls page with a moving offset id until limit messages are in, a
// page comes back short or the offset stops moving. Results are newest
// first.
func (c *Client) pages(ctx context.Context, chat platform.ChannelID, limit int, page func(ctx context.Context, offsetID, n int) (tg.MessagesMessagesClass, error)) ([]platform.Message, error) {
	var out []platform.Message
	offset := 0
	for len(out) < limit {
		n := min(pageSize, limit-len(out))
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := page(ctx, offset, n)
		if err != nil {
			return nil, mapErr(err)
		}
		raw := messagesOf(res)
		lowest := offset
		for _, mc := range raw {
			if m, ok := toMessage(chat, mc); ok {
				out = append(out, m)
			}
			if id := mc.GetID(); lowest == 0 || id < lowest {
				lowest = id
			}
		}
		if len(raw) < n || lowest == offset {
			break
		}
		offset = lowest
	}
	return out, nil
}

// Subscribe forwards new posts of ids that arrive after the call.
func (c *Client) Subscribe(ctx context.Context, ids []platform.ChannelID) (<-chan platform.Event, error) {
	if _, _, err := c.session(); err != nil {
		return nil, err
	}
	return c.subs.Subscribe(ctx, ids, 64), nil
}

func (c *Client) handleUpdate(mc tg.MessageClass) {
	m, ok := mc.(*tg.Message)
	if !ok {
		return
	}
	peer, ok := m.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}
	msg, ok := toMessage(canonicalID(peer.ChannelID), m)
	if !ok {
		return
	}
	c.received.Add(1)
	c.subs.Publish(msg)
}
