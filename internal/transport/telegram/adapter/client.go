// Package adapter implements platform.Client on the Telegram Bot API.
//
// The bot receives channel posts through long polling and archives them in
// SQLite; history and search are answered from that archive. Channel IDs
// are Bot API chat IDs.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/platform/feed"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type Config struct {
	Token       string
	URL         string
	PollTimeout time.Duration
	// RequestsPerSec paces outbound API calls. 0 means 20.
	RequestsPerSec int
}

type Client struct {
	cfg     Config
	log     logx.Logger
	archive *Archive
	limiter *rate.Limiter

	mu       sync.Mutex
	bot      *tele.Bot
	me       platform.Identity
	pollDone chan struct{}

	connected atomic.Bool
	subs      feed.Hub

	archived atomic.Uint64
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, archive *Archive, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if archive == nil {
		return nil, errors.New("telegram adapter needs an archive")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		archive: archive,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
	}, nil
}

// Bot returns the polling bot, nil while disconnected.
func (c *Client) Bot() *tele.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}

// Archived returns how many posts were stored since start.
func (c *Client) Archived() uint64 { return c.archived.Load() }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil && c.connected.Load() {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:       c.cfg.Token,
		URL:         c.cfg.URL,
		Synchronous: true,
		Poller: &tele.LongPoller{
			Timeout:        c.cfg.PollTimeout,
			AllowedUpdates: []string{"channel_post", "edited_channel_post"},
		},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return mapErr(err)
	}
	bot.Handle(tele.OnChannelPost, func(tc tele.Context) error {
		c.handlePost(tc.Message())
		return nil
	})
	bot.Handle(tele.OnEditedChannelPost, func(tc tele.Context) error {
		c.archivePost(tc.Message())
		return nil
	})

	c.bot = bot
	c.me = identityOf(bot.Me)
	c.pollDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		bot.Start()
	}(c.pollDone)
	c.connected.Store(true)
	c.log.Info("telegram connected", logx.String("as", c.me.Display()))
	return nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Disconnect stops polling and closes every subscription.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	bot, done := c.bot, c.pollDone
	c.bot, c.pollDone = nil, nil
	c.connected.Store(false)
	c.mu.Unlock()

	c.subs.CloseAll()
	if bot == nil {
		return nil
	}
	go bot.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("telegram poller stop timed out")
	}
	return nil
}

func (c *Client) Authorized(ctx context.Context) (bool, error) {
	_, err := c.getMe(ctx)
	if errors.Is(err, platform.ErrUnauthorized) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) Self(ctx context.Context) (platform.Identity, error) {
	return c.getMe(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getMe(ctx)
	return err
}

func (c *Client) getMe(ctx context.Context) (platform.Identity, error) {
	bot, err := c.live()
	if err != nil {
		return platform.Identity{}, err
	}
	var data []byte
	if err := c.call(ctx, func() (err error) {
		data, err = bot.Raw("getMe", nil)
		return err
	}); err != nil {
		return platform.Identity{}, err
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return platform.Identity{}, fmt.Errorf("getMe: %w", err)
	}
	return identityOf(&resp.Result), nil
}

func (c *Client) Resolve(ctx context.Context, handle string) (platform.Channel, error) {
	bot, err := c.live()
	if err != nil {
		return platform.Channel{}, err
	}
	handle = platform.NormalizeHandle(handle)
	var chat *tele.Chat
	if err := c.call(ctx, func() (err error) {
		chat, err = bot.ChatByUsername("@" + handle)
		return err
	}); err != nil {
		return platform.Channel{}, fmt.Errorf("resolve @%s: %w", handle, err)
	}
	return platform.Channel{
		ID:        platform.ChannelID(chat.ID),
		Handle:    handle,
		Title:     chat.Title,
		Broadcast: chat.Type == tele.ChatChannel || chat.Type == tele.ChatChannelPrivate,
	}, nil
}

func (c *Client) CheckMembership(ctx context.Context, ch platform.Channel) (platform.Membership, error) {
	bot, err := c.live()
	if err != nil {
		return platform.MembershipUnknown, err
	}
	var member *tele.ChatMember
	if err := c.call(ctx, func() (err error) {
		member, err = bot.ChatMemberOf(&tele.Chat{ID: int64(ch.ID)}, bot.Me)
		return err
	}); err != nil {
		return platform.MembershipUnknown, err
	}
	return membershipOf(member.Role), nil
}

func membershipOf(role tele.MemberStatus) platform.Membership {
	switch role {
	case tele.Creator, tele.Administrator, tele.Member:
		return platform.MembershipVerified
	case tele.Left, tele.Kicked:
		return platform.MembershipDenied
	default:
		return platform.MembershipUnknown
	}
}

func (c *Client) LatestMessages(ctx context.Context, ch platform.Channel, limit int) ([]platform.Message, error) {
	if _, err := c.live(); err != nil {
		return nil, err
	}
	return c.archive.Latest(ctx, ch.ID, limit)
}

func (c *Client) Search(ctx context.Context, ch platform.Channel, query string, limit int) ([]platform.Message, error) {
	if _, err := c.live(); err != nil {
		return nil, err
	}
	return c.archive.Search(ctx, ch.ID, query, limit)
}

// MessagesAfter answers from the archive, which the poller fills whether or
// not anyone is subscribed.
func (c *Client) MessagesAfter(ctx context.Context, ch platform.Channel, after int64, limit int) ([]platform.Message, error) {
	if _, err := c.live(); err != nil {
		return nil, err
	}
	return c.archive.After(ctx, ch.ID, after, limit)
}

// Subscribe forwards live posts of ids until ctx ends or the client
// disconnects. Posts polled before the call stay in the archive for
// MessagesAfter. Delivery blocks the poller, so a slow reader slows polling
// instead of losing posts.
func (c *Client) Subscribe(ctx context.Context, ids []platform.ChannelID) (<-chan platform.Event, error) {
	if _, err := c.live(); err != nil {
		return nil, err
	}
	return c.subs.Subscribe(ctx, ids, 64), nil
}

func (c *Client) archivePost(m *tele.Message) (platform.Message, bool) {
	if m == nil || m.Chat == nil {
		return platform.Message{}, false
	}
	msg := toMessage(m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.archive.Put(ctx, msg); err != nil {
		c.log.Error("archive post failed", logx.ChannelID(m.Chat.ID), logx.Int("id", m.ID), logx.Err(err))
	} else {
		c.archived.Add(1)
	}
	return msg, true
}

func (c *Client) handlePost(m *tele.Message) {
	if msg, ok := c.archivePost(m); ok {
		c.subs.Publish(msg)
	}
}

func (c *Client) live() (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil || !c.connected.Load() {
		return nil, platform.ErrNotConnected
	}
	return c.bot, nil
}

// call paces fn through the limiter and maps its error.
func (c *Client) call(ctx context.Context, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return mapErr(fn())
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &platform.FloodWaitError{Wait: time.Duration(flood.RetryAfter) * time.Second}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &platform.FloodWaitError{Wait: time.Duration(floodPtr.RetryAfter) * time.Second}
	}
	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return fmt.Errorf("%w: %v", platform.ErrUnauthorized, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == 401 {
		return fmt.Errorf("%w: %v", platform.ErrUnauthorized, err)
	}
	return err
}

func identityOf(u *tele.User) platform.Identity {
	if u == nil {
		return platform.Identity{}
	}
	return platform.Identity{
		ID:       u.ID,
		Username: u.Username,
		Name:     strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

func toMessage(m *tele.Message) platform.Message {
	msg := platform.Message{
		ID:        int64(m.ID),
		ChannelID: platform.ChannelID(m.Chat.ID),
		Time:      m.Time().UTC(),
		Text:      m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	switch {
	case m.Sender != nil:
		msg.SenderID = m.Sender.ID
	case m.SenderChat != nil:
		msg.SenderID = m.SenderChat.ID
	}
	msg.Attachments = attachmentsOf(m)
	return msg
}

func attachmentsOf(m *tele.Message) []platform.AttachmentKind {
	var out []platform.AttachmentKind
	add := func(present bool, k platform.AttachmentKind) {
		if present {
			out = append(out, k)
		}
	}
	add(m.Photo != nil, platform.AttachmentPhoto)
	add(m.Video != nil, platform.AttachmentVideo)
	add(m.Voice != nil, platform.AttachmentVoice)
	add(m.Audio != nil, platform.AttachmentAudio)
	add(m.Document != nil, platform.AttachmentDocument)
	add(m.Sticker != nil, platform.AttachmentSticker)
	add(m.Animation != nil, platform.AttachmentAnimation)
	add(m.VideoNote != nil, platform.AttachmentVideoNote)
	add(m.Location != nil, platform.AttachmentLocation)
	add(m.Contact != nil, platform.AttachmentContact)
	add(m.Poll != nil, platform.AttachmentPoll)
	return out
}
