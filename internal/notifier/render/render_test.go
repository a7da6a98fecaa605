package render

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/platform"
)

func TestParseLeak(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want Leak
		ok   bool
	}{
		{
			name: "json",
			text: `{"Source": "forum.example", "Title": "Bank dump", "Content": "2M rows. Visit the link for more...", "Detection Date": "2024-05-01"}`,
			want: Leak{Source: "forum.example", Title: "Bank dump", Content: "2M rows.", DetectionDate: "2024-05-01"},
			ok:   true,
		},
		{
			name: "lowercase keys",
			text: `{"source": "s", "detection_date": "d"}`,
			want: Leak{Source: "s", DetectionDate: "d"},
			ok:   true,
		},
		{
			name: "json head with markup tail",
			text: "\"Source\": \"paste\", \"Content\": \"emails\", \"Detection Date\": \"today\"\n\n**View** more",
			want: Leak{Source: "paste", Content: "emails", DetectionDate: "today"},
			ok:   true,
		},
		{name: "plain text", text: "just a leak mention", ok: false},
		{name: "marker without fields", text: `"source": 5`, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseLeak(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func fixedRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(WithClock(func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)
	return r
}

func match(id int64, text string, terms ...string) monitor.MatchedMessage {
	return monitor.MatchedMessage{
		Message:      platform.Message{ID: id, Text: text, Time: time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)},
		MatchedTerms: terms,
	}
}

func TestSingleTemplates(t *testing.T) {
	t.Parallel()
	r := fixedRenderer(t)
	leak := `{"Source": "market", "Title": "CVE-2024-1 RCE", "Content": "line1\nline2", "Detection Date": "2024-05-30"}`

	out, err := r.Single(monitor.Route{Channel: "Leaks", Handle: "leaks", Template: channels.TemplateBreach, Subject: "Leak feed"}, match(7, leak, "rce"))
	require.NoError(t, err)
	assert.Equal(t, "[New] Leak feed", out.Subject)
	assert.Contains(t, out.HTML, "Data Breach Alert")
	assert.Contains(t, out.HTML, "market")
	assert.Contains(t, out.HTML, "Message ID: 7")
	assert.Contains(t, out.Telegram, "<code>market</code>")
	assert.Contains(t, out.Telegram, `<a href="https://t.me/leaks/7">Open post</a>`)

	out, err = r.Single(monitor.Route{Channel: "CVE", Template: channels.TemplateCVE}, match(8, leak))
	require.NoError(t, err)
	assert.Equal(t, "[New] CVE", out.Subject)
	assert.Contains(t, out.HTML, "CVE Security Alert")
	assert.Contains(t, out.HTML, "line1<br>line2")

	out, err = r.Single(monitor.Route{Channel: "Plain", Template: channels.TemplateBreach}, match(9, "<b>raw</b>\nnext"))
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "NEW: Plain")
	assert.Contains(t, out.HTML, "&lt;b&gt;raw&lt;/b&gt;<br>next")
	assert.NotContains(t, out.Telegram, "<b>raw</b>")

	mm := match(10, "minimal body")
	mm.Own = true
	out, err = r.Single(monitor.Route{Channel: "Min", Template: channels.TemplateMinimal}, mm)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "New Message: Min")
	assert.Contains(t, out.HTML, "monitoring account")
	assert.Contains(t, out.Telegram, "monitoring account")
}

func TestBatchTemplates(t *testing.T) {
	t.Parallel()
	r := fixedRenderer(t)
	var msgs []monitor.MatchedMessage
	for i := 12; i >= 1; i-- {
		msgs = append(msgs, match(int64(i), fmt.Sprintf("leak number %d", i), "leak"))
	}

	out, err := r.Batch(monitor.Route{Channel: "Leaks", Handle: "leaks", Template: channels.TemplateBreach}, msgs)
	require.NoError(t, err)
	assert.Equal(t, "[Osint] Leaks", out.Subject)
	assert.Contains(t, out.HTML, "Data Breach Report")
	assert.Contains(t, out.HTML, "Alert #12")
	assert.Contains(t, out.HTML, "2024-06-01 12:00:00")
	assert.Contains(t, out.Telegram, "Found 12 matching messages.")
	assert.Contains(t, out.Telegram, "…and 2 more")
	assert.Equal(t, TelegramBatchItems+2, strings.Count(out.Telegram, "\n"))

	out, err = r.Batch(monitor.Route{Channel: "CVE", Template: channels.TemplateCVE}, msgs[:1])
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Total Vulnerabilities")
	assert.Contains(t, out.HTML, "Raw Message Content")

	out, err = r.Batch(monitor.Route{Channel: "Min", Template: channels.TemplateMinimal}, msgs[:2])
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Found 2 messages")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	r := fixedRenderer(t)
	out, err := r.Health(monitor.HealthConnected, "Connected as @me")
	require.NoError(t, err)
	assert.Equal(t, "[Health Check] Channel Monitor - Connected", out.Subject)
	assert.Contains(t, out.HTML, `class="header ok"`)
	assert.Contains(t, out.Telegram, "Connected as @me")

	out, err = r.Health(monitor.HealthFailed, "gave up")
	require.NoError(t, err)
	assert.Equal(t, "[Health Check] Channel Monitor - Connection Failed", out.Subject)
	assert.Contains(t, out.HTML, `class="header fail"`)
}
