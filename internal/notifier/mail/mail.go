// Package mail delivers notifications as HTML mail over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/HypeDuke/osint3/internal/notifier"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	SSL      bool
	Username string
	Password string
	From     string
	To       []string
	HealthTo []string
	Timeout  time.Duration
}

// Dialer sends composed messages. *gomail.Client implements it.
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*gomail.Msg) error
}

type Transport struct {
	cfg  Config
	log  logx.Logger
	dial func(Config) (Dialer, error)
}

var _ notifier.Transport = (*Transport)(nil)

type Option func(*Transport)

// WithDialer replaces the SMTP client factory.
func WithDialer(fn func(Config) (Dialer, error)) Option {
	return func(t *Transport) { t.dial = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: from is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.SSL {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Transport{cfg: cfg, log: log, dial: newClient}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func newClient(cfg Config) (Dialer, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(cfg.Timeout),
	}
	if cfg.SSL {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	return gomail.NewClient(cfg.Host, opts...)
}

func (t *Transport) Name() string { return "mail" }

func (t *Transport) recipients(health bool) []string {
	if health {
		return t.cfg.HealthTo
	}
	return t.cfg.To
}

func (t *Transport) HasRecipients(health bool) bool {
	return len(t.recipients(health)) > 0
}

func (t *Transport) Send(ctx context.Context, n notifier.Notification) error {
	msg, err := t.compose(n)
	if err != nil {
		return err
	}
	client, err := t.dial(t.cfg)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	t.log.Debug("mail sent", logx.String("subject", n.Subject), logx.Strings("to", t.recipients(n.Health)))
	return nil
}

func (t *Transport) compose(n notifier.Notification) (*gomail.Msg, error) {
	to := t.recipients(n.Health)
	if len(to) == 0 {
		return nil, notifier.ErrNoRecipients
	}
	m := gomail.NewMsg()
	if err := m.From(t.cfg.From); err != nil {
		return nil, fmt.Errorf("mail: from: %w", err)
	}
	if err := m.To(to...); err != nil {
		return nil, fmt.Errorf("mail: to: %w", err)
	}
	m.Subject(n.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetGenHeader(gomail.Header("X-Notification-Kind"), string(n.Kind))
	m.SetBodyString(gomail.TypeTextHTML, n.HTML)
	return m, nil
}
