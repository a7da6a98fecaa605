// Package platform defines the canonical view of the remote messaging
// platform used by the monitor: channel identities, messages, membership and
// the client contract an adapter has to fulfil.
package platform

import (
	"context"
	"strings"
	"time"
)

// ChannelID is the single canonical channel identity. Adapters translate
// whatever the remote uses for resolution and for live events into it.
type ChannelID int64

// AttachmentKind is a closed set of non-text payload kinds.
type AttachmentKind uint8

const (
	AttachmentPhoto AttachmentKind = iota + 1
	AttachmentVideo
	AttachmentVoice
	AttachmentAudio
	AttachmentDocument
	AttachmentSticker
	AttachmentAnimation
	AttachmentVideoNote
	AttachmentLocation
	AttachmentContact
	AttachmentPoll
)

var attachmentNames = map[AttachmentKind]string{
	AttachmentPhoto:     "photo",
	AttachmentVideo:     "video",
	AttachmentVoice:     "voice",
	AttachmentAudio:     "audio",
	AttachmentDocument:  "document",
	AttachmentSticker:   "sticker",
	AttachmentAnimation: "animation",
	AttachmentVideoNote: "video_note",
	AttachmentLocation:  "location",
	AttachmentContact:   "contact",
	AttachmentPoll:      "poll",
}

func (k AttachmentKind) String() string {
	if s, ok := attachmentNames[k]; ok {
		return s
	}
	return "unknown"
}

// AttachmentNames renders kinds for log fields.
func AttachmentNames(kinds []AttachmentKind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k.String())
	}
	return out
}

// Message is a channel post as the monitor sees it.
// Text is empty when the post carries no text.
type Message struct {
	ID          int64
	ChannelID   ChannelID
	Time        time.Time
	Text        string
	SenderID    int64
	Attachments []AttachmentKind
}

func (m Message) HasText() bool { return strings.TrimSpace(m.Text) != "" }

// Event is a live new-message notification.
type Event struct {
	Message Message
}

// Membership is the result of a membership check.
type Membership uint8

const (
	// MembershipUnknown means the check could not tell; the channel is
	// assumed to be listenable.
	MembershipUnknown Membership = iota
	MembershipVerified
	MembershipDenied
)

func (m Membership) String() string {
	switch m {
	case MembershipVerified:
		return "verified"
	case MembershipDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Channel is a resolved channel.
type Channel struct {
	ID        ChannelID
	Handle    string
	Title     string
	Broadcast bool
}

// Identity is the account the client is logged in as.
type Identity struct {
	ID       int64
	Username string
	Name     string
}

func (i Identity) Display() string {
	switch {
	case i.Username != "":
		return "@" + i.Username
	case i.Name != "":
		return i.Name
	default:
		return "unknown"
	}
}

// Client is the remote session the monitor drives. Implementations must be
// safe for use from the monitor goroutine and the keep-alive goroutine.
type Client interface {
	// Connect establishes the session. It is safe to call when connected.
	Connect(ctx context.Context) error
	// Connected reports whether the session is believed to be up.
	Connected() bool
	// Authorized reports whether the session has a valid login.
	Authorized(ctx context.Context) (bool, error)
	// Self returns the logged-in identity; used as a liveness check.
	Self(ctx context.Context) (Identity, error)
	// Ping is a cheap liveness check.
	Ping(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error

	Resolve(ctx context.Context, handle string) (Channel, error)
	CheckMembership(ctx context.Context, ch Channel) (Membership, error)
	// LatestMessages returns up to limit messages, newest first.
	LatestMessages(ctx context.Context, ch Channel, limit int) ([]Message, error)
	// Search returns up to limit messages matching query, newest first.
	Search(ctx context.Context, ch Channel, query string, limit int) ([]Message, error)
	// MessagesAfter returns up to limit messages with an id above after,
	// oldest first. A new subscription uses it to pick up what was posted
	// while nothing was subscribed.
	MessagesAfter(ctx context.Context, ch Channel, after int64, limit int) ([]Message, error)
	// Subscribe delivers new messages for the given channels until ctx is
	// cancelled or the session drops, then closes the returned channel.
	// Messages posted before the call are not delivered.
	Subscribe(ctx context.Context, channels []ChannelID) (<-chan Event, error)
}

// NormalizeHandle strips whitespace and a leading '@'.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}
