package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	pos := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	dur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	pos(&c.Workers, 2)
	pos(&c.QueueSize, 512)
	pos(&c.RatePerSec, 3)
	pos(&c.DedupMaxEntries, 2000)
	dur(&c.RetryBase, 500*time.Millisecond)
	dur(&c.RetryMaxDelay, 10*time.Second)
	dur(&c.SendTimeout, 30*time.Second)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	return c
}

type Kind string

const (
	KindBatch  Kind = "batch"
	KindSingle Kind = "single"
	KindHealth Kind = "health"
)

// Notification is a rendered message ready for delivery.
type Notification struct {
	ID      uuid.UUID
	Kind    Kind
	Channel string
	Subject string
	// HTML is the full mail body.
	HTML string
	// Telegram is compact Telegram-flavoured HTML.
	Telegram string
	// Health routes the notification to health recipients only.
	Health bool
}

// Transport delivers notifications to one medium.
type Transport interface {
	Name() string
	// HasRecipients reports whether Send would reach anyone for this class
	// of notification.
	HasRecipients(health bool) bool
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject"`
	Transport string    `json:"transport"`
}

// NotificationEvent is the payload of notifier.* bus events.
type NotificationEvent struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Channel   string    `json:"channel,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Key       string    `json:"key,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
