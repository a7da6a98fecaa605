package mtproto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/platform"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

func TestChannelIDsUseBotAPIForm(t *testing.T) {
	t.Parallel()
	assert.Equal(t, platform.ChannelID(-1001234567890), canonicalID(1234567890))
	assert.Equal(t, int64(1234567890), rawID(-1001234567890))
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := &tg.Message{
		ID:      42,
		Date:    1_700_000_000,
		Message: "Dump of 1M records",
		PeerID:  &tg.PeerChannel{ChannelID: 777},
	}
	m.SetFromID(&tg.PeerUser{UserID: 5})
	m.SetMedia(&tg.MessageMediaPhoto{})

	got, ok := toMessage(-1000000000777, m)
	require.True(t, ok)
	assert.Equal(t, platform.Message{
		ID:          42,
		ChannelID:   -1000000000777,
		Time:        time.Unix(1_700_000_000, 0).UTC(),
		Text:        "Dump of 1M records",
		SenderID:    5,
		Attachments: []platform.AttachmentKind{platform.AttachmentPhoto},
	}, got)

	_, ok = toMessage(1, &tg.MessageService{ID: 1})
	assert.False(t, ok)
	_, ok = toMessage(1, &tg.MessageEmpty{ID: 2})
	assert.False(t, ok)
}

func TestDocumentKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		attrs []tg.DocumentAttributeClass
		want  platform.AttachmentKind
	}{
		{"file", []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "db.sql"}}, platform.AttachmentDocument},
		{"video", []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}}, platform.AttachmentVideo},
		{"round", []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{RoundMessage: true}}, platform.AttachmentVideoNote},
		{"gif", []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{}}, platform.AttachmentAnimation},
		{"voice", []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}}, platform.AttachmentVoice},
		{"music", []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{}}, platform.AttachmentAudio},
		{"sticker", []tg.DocumentAttributeClass{&tg.DocumentAttributeSticker{}}, platform.AttachmentSticker},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, documentKind(tt.attrs), tt.name)
	}
	assert.Equal(t, []platform.AttachmentKind{platform.AttachmentLocation}, attachmentsOf(&tg.MessageMediaVenue{}))
	assert.Equal(t, []platform.AttachmentKind{platform.AttachmentPoll}, attachmentsOf(&tg.MessageMediaPoll{}))
	assert.Nil(t, attachmentsOf(&tg.MessageMediaWebPage{}))
}

func TestMessagesOf(t *testing.T) {
	t.Parallel()
	msgs := []tg.MessageClass{&tg.Message{ID: 1}, &tg.Message{ID: 2}}
	assert.Len(t, messagesOf(&tg.MessagesChannelMessages{Messages: msgs}), 2)
	assert.Len(t, messagesOf(&tg.MessagesMessagesSlice{Messages: msgs}), 2)
	assert.Len(t, messagesOf(&tg.MessagesMessages{Messages: msgs}), 2)
	assert.Nil(t, messagesOf(&tg.MessagesMessagesNotModified{}))
}

func TestChannelOfPrefersHandle(t *testing.T) {
	t.Parallel()
	chats := []tg.ChatClass{
		&tg.Chat{ID: 1},
		&tg.Channel{ID: 2, Username: "other"},
		&tg.Channel{ID: 3, Username: "Leaks", AccessHash: 99},
	}
	ch, ok := channelOf(chats, "leaks")
	require.True(t, ok)
	assert.Equal(t, int64(3), ch.ID)

	_, ok = channelOf([]tg.ChatClass{&tg.Chat{ID: 1}}, "leaks")
	assert.False(t, ok)
}

func TestMapErr(t *testing.T) {
	t.Parallel()
	assert.NoError(t, mapErr(nil))

	wait, ok := platform.AsFloodWait(mapErr(tgerr.New(420, "FLOOD_WAIT_7")))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, wait)

	assert.ErrorIs(t, mapErr(tgerr.New(401, "AUTH_KEY_UNREGISTERED")), platform.ErrUnauthorized)
	assert.ErrorIs(t, mapErr(fmt.Errorf("rpc: %w", tgerr.New(401, "SESSION_REVOKED"))), platform.ErrUnauthorized)
	assert.ErrorIs(t, mapErr(tgerr.New(400, "USERNAME_NOT_OCCUPIED")), platform.ErrNotFound)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapErr(plain))
}

func TestMembershipOf(t *testing.T) {
	t.Parallel()
	m, err := membershipOf(nil)
	require.NoError(t, err)
	assert.Equal(t, platform.MembershipVerified, m)

	m, err = membershipOf(tgerr.New(400, "USER_NOT_PARTICIPANT"))
	require.NoError(t, err)
	assert.Equal(t, platform.MembershipDenied, m)

	m, err = membershipOf(tgerr.New(400, "CHAT_ADMIN_REQUIRED"))
	assert.Error(t, err)
	assert.Equal(t, platform.MembershipUnknown, m)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(Config{AppHash: "h", SessionPath: "s"}, logx.Nop())
	assert.ErrorContains(t, err, "api_id")
	_, err = New(Config{AppID: 1, SessionPath: "s"}, logx.Nop())
	assert.ErrorContains(t, err, "api_hash")
	_, err = New(Config{AppID: 1, AppHash: "h"}, logx.Nop())
	assert.ErrorContains(t, err, "session_path")
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	c, err := New(Config{AppID: 1, AppHash: "h", SessionPath: t.TempDir() + "/s.json"}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.Connected())
	_, err = c.Self(ctx)
	assert.ErrorIs(t, err, platform.ErrNotConnected)
	_, err = c.MessagesAfter(ctx, platform.Channel{ID: -1001}, 0, 10)
	assert.ErrorIs(t, err, platform.ErrNotConnected)
	_, err = c.Subscribe(ctx, []platform.ChannelID{-1001})
	assert.ErrorIs(t, err, platform.ErrNotConnected)
	require.NoError(t, c.Disconnect(ctx))
}

func TestLiveUpdatesReachSubscribers(t *testing.T) {
	t.Parallel()
	c, err := New(Config{AppID: 1, AppHash: "h", SessionPath: t.TempDir() + "/s.json"}, logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := c.subs.Subscribe(ctx, []platform.ChannelID{-1000000000777}, 4)
	c.handleUpdate(&tg.Message{ID: 9, Message: "fresh leak", PeerID: &tg.PeerChannel{ChannelID: 777}})
	c.handleUpdate(&tg.Message{ID: 10, Message: "elsewhere", PeerID: &tg.PeerChannel{ChannelID: 778}})
	c.handleUpdate(&tg.Message{ID: 11, Message: "direct", PeerID: &tg.PeerUser{UserID: 1}})

	ev := <-out
	assert.Equal(t, int64(9), ev.Message.ID)
	assert.Equal(t, platform.ChannelID(-1000000000777), ev.Message.ChannelID)
	assert.Equal(t, uint64(2), c.Received())
}
