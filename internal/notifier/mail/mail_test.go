package mail

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"

	"github.com/HypeDuke/osint3/internal/notifier"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type fakeDialer struct {
	msgs []*gomail.Msg
	err  error
}

func (f *fakeDialer) DialAndSendWithContext(_ context.Context, msgs ...*gomail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func newTransport(t *testing.T, cfg Config, d *fakeDialer) *Transport {
	t.Helper()
	tr, err := New(cfg, logx.Nop(), WithDialer(func(Config) (Dialer, error) { return d, nil }))
	require.NoError(t, err)
	return tr
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{From: "a@b.c"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Host: "smtp.example.com"}, logx.Nop())
	assert.Error(t, err)

	tr, err := New(Config{Host: "smtp.example.com", From: "a@b.c", SSL: true}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 465, tr.cfg.Port)
}

func TestSendComposesHTML(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	tr := newTransport(t, Config{Host: "smtp", From: "mon@example.com", To: []string{"sec@example.com"}, HealthTo: []string{"ops@example.com"}}, d)

	require.NoError(t, tr.Send(context.Background(), notifier.Notification{Kind: notifier.KindSingle, Subject: "[New] Leaks", HTML: "<p>hit</p>"}))
	require.Len(t, d.msgs, 1)

	rcpts, err := d.msgs[0].GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"sec@example.com"}, rcpts)

	var buf bytes.Buffer
	_, err = d.msgs[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Subject: [New] Leaks")
	assert.Contains(t, buf.String(), "text/html")
	assert.Contains(t, buf.String(), "<p>hit</p>")

	require.NoError(t, tr.Send(context.Background(), notifier.Notification{Kind: notifier.KindHealth, Subject: "h", HTML: "x", Health: true}))
	rcpts, err = d.msgs[1].GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, rcpts)
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{err: errors.New("dial tcp: refused")}
	tr := newTransport(t, Config{Host: "smtp", From: "mon@example.com", To: []string{"sec@example.com"}}, d)
	assert.False(t, tr.HasRecipients(true))

	err := tr.Send(context.Background(), notifier.Notification{Subject: "s", HTML: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")

	err = tr.Send(context.Background(), notifier.Notification{Subject: "s", Health: true})
	assert.ErrorIs(t, err, notifier.ErrNoRecipients)
}
