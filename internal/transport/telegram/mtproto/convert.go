package mtproto

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/HypeDuke/osint3/internal/platform"
)

// channelBase turns an MTProto channel id into its Bot API chat id.
const channelBase = -1_000_000_000_000

func canonicalID(channelID int64) platform.ChannelID {
	return platform.ChannelID(channelBase - channelID)
}

func rawID(id platform.ChannelID) int64 { return channelBase - int64(id) }

// channelOf picks the channel named handle out of a resolve result.
func channelOf(chats []tg.ChatClass, handle string) (*tg.Channel, bool) {
	var first *tg.Channel
	for _, c := range chats {
		ch, ok := c.(*tg.Channel)
		if !ok {
			continue
		}
		if strings.EqualFold(ch.Username, handle) {
			return ch, true
		}
		if first == nil {
			first = ch
		}
	}
	return first, first != nil
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages
	case *tg.MessagesMessagesSlice:
		return r.Messages
	case *tg.MessagesChannelMessages:
		return r.Messages
	default:
		return nil
	}
}

// toMessage converts a regular post. Service messages and empty slots are
// skipped.
func toMessage(chat platform.ChannelID, mc tg.MessageClass) (platform.Message, bool) {
	m, ok := mc.(*tg.Message)
	if !ok {
		return platform.Message{}, false
	}
	out := platform.Message{
		ID:        int64(m.ID),
		ChannelID: chat,
		Time:      time.Unix(int64(m.Date), 0).UTC(),
		Text:      m.Message,
	}
	if from, ok := m.GetFromID(); ok {
		switch p := from.(type) {
		case *tg.PeerUser:
			out.SenderID = p.UserID
		case *tg.PeerChannel:
			out.SenderID = int64(canonicalID(p.ChannelID))
		}
	}
	if media, ok := m.GetMedia(); ok {
		out.Attachments = attachmentsOf(media)
	}
	return out, true
}

func attachmentsOf(media tg.MessageMediaClass) []platform.AttachmentKind {
	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		return []platform.AttachmentKind{platform.AttachmentPhoto}
	case *tg.MessageMediaDocument:
		doc, ok := md.GetDocument()
		if !ok {
			return []platform.AttachmentKind{platform.AttachmentDocument}
		}
		if d, ok := doc.(*tg.Document); ok {
			return []platform.AttachmentKind{documentKind(d.Attributes)}
		}
		return []platform.AttachmentKind{platform.AttachmentDocument}
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return []platform.AttachmentKind{platform.AttachmentLocation}
	case *tg.MessageMediaContact:
		return []platform.AttachmentKind{platform.AttachmentContact}
	case *tg.MessageMediaPoll:
		return []platform.AttachmentKind{platform.AttachmentPoll}
	default:
		return nil
	}
}

// documentKind reads what a document is from its attributes. A GIF carries
// both the video and the animated attribute.
func documentKind(attrs []tg.DocumentAttributeClass) platform.AttachmentKind {
	kind := platform.AttachmentDocument
	for _, a := range attrs {
		switch at := a.(type) {
		case *tg.DocumentAttributeAnimated:
			return platform.AttachmentAnimation
		case *tg.DocumentAttributeSticker:
			return platform.AttachmentSticker
		case *tg.DocumentAttributeVideo:
			if at.RoundMessage {
				kind = platform.AttachmentVideoNote
			} else {
				kind = platform.AttachmentVideo
			}
		case *tg.DocumentAttributeAudio:
			if at.Voice {
				kind = platform.AttachmentVoice
			} else {
				kind = platform.AttachmentAudio
			}
		}
	}
	return kind
}

func identityOf(u *tg.User) platform.Identity {
	if u == nil {
		return platform.Identity{}
	}
	return platform.Identity{
		ID:       u.ID,
		Username: u.Username,
		Name:     strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

// membershipOf reads the result of a channels.getParticipant call for self.
func membershipOf(err error) (platform.Membership, error) {
	switch {
	case err == nil:
		return platform.MembershipVerified, nil
	case tgerr.Is(err, "USER_NOT_PARTICIPANT", "CHANNEL_PRIVATE", "CHANNEL_PUBLIC_GROUP_NA"):
		return platform.MembershipDenied, nil
	default:
		return platform.MembershipUnknown, mapErr(err)
	}
}

var (
	unauthorizedTypes = []string{
		"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "AUTH_KEY_DUPLICATED",
		"SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN",
	}
	notFoundTypes = []string{"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_INVALID"}
)

// mapErr translates RPC errors into the platform vocabulary.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &platform.FloodWaitError{Wait: wait}
	}
	switch {
	case tgerr.IsCode(err, 401), tgerr.Is(err, unauthorizedTypes...):
		return fmt.Errorf("%w: %v", platform.ErrUnauthorized, err)
	case tgerr.Is(err, notFoundTypes...):
		return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
	}
	return err
}
