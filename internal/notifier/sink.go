package notifier

import (
	"context"

	"github.com/google/uuid"

	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier/render"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

var _ monitor.Sink = (*Service)(nil)

func (s *Service) SendBatch(ctx context.Context, route monitor.Route, msgs []monitor.MatchedMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	out, err := s.renderer.Batch(route, msgs)
	return s.offer(ctx, KindBatch, route.Handle, out, err, logx.Int("count", len(msgs)))
}

func (s *Service) SendSingle(ctx context.Context, route monitor.Route, msg monitor.MatchedMessage) bool {
	out, err := s.renderer.Single(route, msg)
	return s.offer(ctx, KindSingle, route.Handle, out, err, logx.Int64("message_id", msg.ID))
}

// SendHealthCheck queues a health notification, or only logs it when no
// transport has health recipients.
func (s *Service) SendHealthCheck(ctx context.Context, status monitor.HealthStatus, message string) {
	log := s.log.With(logx.String("status", status.String()), logx.String("message", message))
	if !s.hasHealthRecipients() {
		log.Info("health check (no recipients)")
		return
	}
	out, err := s.renderer.Health(status, message)
	if err != nil {
		log.Error("health check render failed", logx.Err(err))
		return
	}
	n := Notification{ID: uuid.New(), Kind: KindHealth, Subject: out.Subject, HTML: out.HTML, Telegram: out.Telegram, Health: true}
	if err := s.Notify(ctx, n); err != nil {
		log.Warn("health check not queued", logx.Err(err))
	}
}

func (s *Service) hasHealthRecipients() bool {
	for _, t := range s.Transports() {
		if t.HasRecipients(true) {
			return true
		}
	}
	return false
}

func (s *Service) offer(ctx context.Context, kind Kind, channel string, out render.Output, err error, extra logx.Field) bool {
	log := s.log.With(logx.String("kind", string(kind)), logx.Channel(channel), extra)
	if err != nil {
		log.Error("notification render failed", logx.Err(err))
		return false
	}
	n := Notification{ID: uuid.New(), Kind: kind, Channel: channel, Subject: out.Subject, HTML: out.HTML, Telegram: out.Telegram}
	if err := s.Notify(ctx, n); err != nil {
		log.Warn("notification not queued", logx.Err(err))
		return false
	}
	log.Debug("notification queued", logx.String("id", n.ID.String()), logx.String("subject", n.Subject))
	return true
}
