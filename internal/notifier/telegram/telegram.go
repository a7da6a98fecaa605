// Package telegram delivers notifications to Telegram chats through a bot.
package telegram

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	"github.com/HypeDuke/osint3/internal/notifier"
	logx "github.com/HypeDuke/osint3/pkg/logx"
	"github.com/HypeDuke/osint3/pkg/tgui"
)

type Config struct {
	ChatIDs       []int64
	HealthChatIDs []int64
	ThreadID      int
}

// Sender is the part of *tele.Bot the transport uses.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Transport struct {
	bot Sender
	cfg Config
	log logx.Logger
}

var (
	_ notifier.Transport = (*Transport)(nil)
	_ logx.Sender        = (*Transport)(nil)
)

func New(bot Sender, cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{bot: bot, cfg: cfg, log: log}
}

func (t *Transport) Name() string { return "telegram" }

func (t *Transport) targets(health bool) []int64 {
	if health {
		return t.cfg.HealthChatIDs
	}
	return t.cfg.ChatIDs
}

func (t *Transport) HasRecipients(health bool) bool {
	return t.bot != nil && len(t.targets(health)) > 0
}

// Send posts n.Telegram to every target chat, split into message-sized
// chunks. A failing chat does not stop delivery to the others.
func (t *Transport) Send(ctx context.Context, n notifier.Notification) error {
	if t.bot == nil {
		return errors.New("telegram transport: no bot")
	}
	chunks := tgui.Split(n.Telegram, tgui.TextLimit, true)
	var errs []error
	for _, chatID := range t.targets(n.Health) {
		if err := t.sendChunks(ctx, chatID, t.cfg.ThreadID, chunks, tele.ModeHTML); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// SendLog posts a plain-text log line.
func (t *Transport) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if t.bot == nil {
		return nil
	}
	return t.sendChunks(ctx, chatID, threadID, tgui.Split(text, tgui.TextLimit, false), tele.ModeDefault)
}

func (t *Transport) sendChunks(ctx context.Context, chatID int64, threadID int, chunks []string, mode tele.ParseMode) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{
			ParseMode:             mode,
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		}
		if _, err := t.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}
