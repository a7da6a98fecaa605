package monitor

import (
	"context"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/platform"
)

// Route tells the sink where a match came from and how to present it.
type Route struct {
	Channel  string
	Handle   string
	Template channels.Template
	Subject  string
}

func RouteFor(ch channels.Channel) Route {
	return Route{Channel: ch.Name, Handle: ch.Handle, Template: ch.Template, Subject: ch.Subject}
}

// MatchedMessage is a message that passed its channel's filter.
type MatchedMessage struct {
	platform.Message
	MatchedTerms []string
	// Own is set when the monitoring identity posted the message itself.
	Own bool
}

type HealthStatus uint8

const (
	HealthConnected HealthStatus = iota + 1
	HealthFailed
)

func (h HealthStatus) String() string {
	switch h {
	case HealthConnected:
		return "connected"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sink receives notifications. Delivery is the sink's problem; the bool
// results only report whether the notification was accepted.
type Sink interface {
	SendBatch(ctx context.Context, route Route, msgs []MatchedMessage) bool
	SendSingle(ctx context.Context, route Route, msg MatchedMessage) bool
	SendHealthCheck(ctx context.Context, status HealthStatus, message string)
}
