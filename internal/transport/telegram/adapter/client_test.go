package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/HypeDuke/osint3/internal/platform"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// fakeAPI answers the handful of Bot API methods the client uses.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		token, method := strings.TrimPrefix(parts[0], "bot"), parts[len(parts)-1]
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)

		reply := func(body string) { _, _ = fmt.Fprint(w, body) }
		if token == "revoked" {
			reply(`{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			return
		}
		switch method {
		case "getMe":
			reply(`{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Mon","username":"mon_bot"}}`)
		case "getUpdates":
			select {
			case <-time.After(20 * time.Millisecond):
			case <-r.Context().Done():
			}
			reply(`{"ok":true,"result":[]}`)
		case "getChat":
			switch fmt.Sprint(params["chat_id"]) {
			case "@leaks":
				reply(`{"ok":true,"result":{"id":-1001,"type":"channel","title":"Leaks","username":"leaks"}}`)
			case "@busy":
				reply(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
			default:
				reply(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			}
		case "getChatMember":
			status := "administrator"
			if fmt.Sprint(params["chat_id"]) == "-1002" {
				status = "left"
			}
			reply(fmt.Sprintf(`{"ok":true,"result":{"status":%q,"user":{"id":99,"is_bot":true,"first_name":"Mon"}}}`, status))
		default:
			reply(`{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, token string) *Client {
	t.Helper()
	srv := fakeAPI(t)
	archive, err := OpenArchive("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	c, err := New(Config{Token: token, URL: srv.URL, PollTimeout: time.Second, RequestsPerSec: 1000}, archive, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func TestConnectAndIdentity(t *testing.T) {
	t.Parallel()
	c := newClient(t, "good")
	ctx := context.Background()

	_, err := c.Self(ctx)
	require.ErrorIs(t, err, platform.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())
	assert.NotNil(t, c.Bot())

	ok, err := c.Authorized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	me, err := c.Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, platform.Identity{ID: 99, Username: "mon_bot", Name: "Mon"}, me)
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Ping(ctx), platform.ErrNotConnected)
}

func TestConnectUnauthorized(t *testing.T) {
	t.Parallel()
	c := newClient(t, "revoked")
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, platform.ErrUnauthorized)
	assert.False(t, c.Connected())
}

func TestResolveAndMembership(t *testing.T) {
	t.Parallel()
	c := newClient(t, "good")
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	ch, err := c.Resolve(ctx, "@leaks")
	require.NoError(t, err)
	assert.Equal(t, platform.Channel{ID: -1001, Handle: "leaks", Title: "Leaks", Broadcast: true}, ch)

	m, err := c.CheckMembership(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, platform.MembershipVerified, m)

	m, err = c.CheckMembership(ctx, platform.Channel{ID: -1002})
	require.NoError(t, err)
	assert.Equal(t, platform.MembershipDenied, m)

	_, err = c.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, platform.ErrNotFound)

	_, err = c.Resolve(ctx, "busy")
	wait, ok := platform.AsFloodWait(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 7*time.Second, wait)
}

func TestLivePostsAreArchivedAndForwarded(t *testing.T) {
	t.Parallel()
	c := newClient(t, "good")
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	events, err := c.Subscribe(ctx, []platform.ChannelID{-1001})
	require.NoError(t, err)

	c.handlePost(&tele.Message{ID: 5, Chat: &tele.Chat{ID: -1001}, Caption: "Fresh LEAK dump", Photo: &tele.Photo{}})
	c.handlePost(&tele.Message{ID: 6, Chat: &tele.Chat{ID: -1003}, Text: "other channel"})

	select {
	case ev := <-events:
		assert.Equal(t, int64(5), ev.Message.ID)
		assert.Equal(t, platform.ChannelID(-1001), ev.Message.ChannelID)
		assert.Equal(t, "Fresh LEAK dump", ev.Message.Text)
		assert.Equal(t, []platform.AttachmentKind{platform.AttachmentPhoto}, ev.Message.Attachments)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	assert.Equal(t, uint64(2), c.Archived())

	found, err := c.Search(ctx, platform.Channel{ID: -1001}, "leak", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	latest, err := c.LatestMessages(ctx, platform.Channel{ID: -1003}, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(6), latest[0].ID)

	require.NoError(t, c.Disconnect(ctx))
	_, open := <-events
	assert.False(t, open)
}

func TestPostsBeforeSubscribeAreReplayable(t *testing.T) {
	t.Parallel()
	c := newClient(t, "good")
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	c.handlePost(&tele.Message{ID: 7, Chat: &tele.Chat{ID: -1001}, Text: "leak while starting"})

	events, err := c.Subscribe(ctx, []platform.ChannelID{-1001})
	require.NoError(t, err)
	c.handlePost(&tele.Message{ID: 8, Chat: &tele.Chat{ID: -1001}, Text: "live leak"})

	missed, err := c.MessagesAfter(ctx, platform.Channel{ID: -1001}, 6, 10)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, []int64{7, 8}, []int64{missed[0].ID, missed[1].ID})

	select {
	case ev := <-events:
		assert.Equal(t, int64(8), ev.Message.ID, "only posts after Subscribe arrive live")
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, c.Disconnect(ctx))
	_, err = c.MessagesAfter(ctx, platform.Channel{ID: -1001}, 0, 10)
	assert.ErrorIs(t, err, platform.ErrNotConnected)
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	t.Parallel()
	c := newClient(t, "good")
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.Subscribe(ctx, []platform.ChannelID{-1001})
	require.NoError(t, err)
	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	// Delivery to a closed subscription is a no-op.
	c.handlePost(&tele.Message{ID: 1, Chat: &tele.Chat{ID: -1001}, Text: "late"})
}

func TestMapErr(t *testing.T) {
	t.Parallel()
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(tele.ErrUnauthorized), platform.ErrUnauthorized)
	assert.ErrorIs(t, mapErr(fmt.Errorf("wrapped: %w", tele.ErrChatNotFound)), platform.ErrNotFound)
	plain := errors.New("network down")
	assert.Equal(t, plain, mapErr(plain))
	assert.Equal(t, platform.MembershipUnknown, membershipOf(tele.Restricted))
}
