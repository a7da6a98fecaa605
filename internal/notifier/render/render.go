// Package render turns matches and health checks into mail HTML and
// Telegram HTML.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/pkg/tgui"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	dateLayout = "2006-01-02 15:04:05"

	// TelegramBatchItems is how many matches a Telegram batch lists.
	TelegramBatchItems = 10
	singlePreview      = 200
	batchPreview       = 100
)

// Output is one rendered notification.
type Output struct {
	Subject  string
	HTML     string
	Telegram string
}

type Renderer struct {
	mail *template.Template
	loc  *time.Location
	now  func() time.Time
}

type Option func(*Renderer)

// WithLocation sets the zone dates are printed in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) (*Renderer, error) {
	t, err := template.New("mail").Funcs(template.FuncMap{
		"br": lineBreaks,
		"na": func(s string) string {
			if strings.TrimSpace(s) == "" {
				return "N/A"
			}
			return s
		},
	}).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("render: parse templates: %w", err)
	}
	r := &Renderer{mail: t, loc: time.UTC, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func lineBreaks(s string) template.HTML {
	return template.HTML(strings.ReplaceAll(template.HTMLEscapeString(s), "\n", "<br>"))
}

type itemView struct {
	Index  int
	ID     int64
	Date   string
	Text   string
	Own    bool
	Terms  []string
	Leak   Leak
	parsed bool
}

// HasLeak reports a parsed breach post with at least one breach field.
func (i itemView) HasLeak() bool {
	return i.parsed && (i.Leak.Source != "" || i.Leak.Content != "" || i.Leak.DetectionDate != "")
}

// HasAdvisory reports a parsed post usable by the CVE layout.
func (i itemView) HasAdvisory() bool {
	return i.parsed && (i.Leak.Title != "" || i.Leak.Content != "")
}

type singleView struct {
	Channel string
	Item    itemView
}

type batchView struct {
	Channel   string
	Label     string
	Generated string
	Items     []itemView
}

type healthView struct {
	OK        bool
	Status    string
	Message   string
	Generated string
}

func (r *Renderer) item(idx int, m monitor.MatchedMessage) itemView {
	v := itemView{Index: idx, ID: m.ID, Text: m.Text, Own: m.Own, Terms: m.MatchedTerms}
	if !m.Time.IsZero() {
		v.Date = m.Time.In(r.loc).Format(dateLayout)
	}
	v.Leak, v.parsed = ParseLeak(m.Text)
	return v
}

func templateName(kind string, t channels.Template) string {
	switch t {
	case channels.TemplateCVE, channels.TemplateMinimal:
		return kind + "." + string(t)
	default:
		return kind + "." + string(channels.TemplateBreach)
	}
}

func (r *Renderer) exec(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.mail.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Single renders one live match.
func (r *Renderer) Single(route monitor.Route, m monitor.MatchedMessage) (Output, error) {
	it := r.item(1, m)
	html, err := r.exec(templateName("single", route.Template), singleView{Channel: route.Channel, Item: it})
	if err != nil {
		return Output{}, err
	}

	card := tgui.NewCard("🔔", "New match · "+route.Channel).
		Field("Matched", strings.Join(m.MatchedTerms, ", ")).
		Field("Date", it.Date).
		Field("Message ID", fmt.Sprint(m.ID))
	if it.HasLeak() || (route.Template == channels.TemplateCVE && it.HasAdvisory()) {
		card.Field("Source", it.Leak.Source).
			Field("Title", it.Leak.Title).
			Field("Detected", it.Leak.DetectionDate).
			Quote(tgui.TruncRunes(it.Leak.Content, singlePreview))
	} else {
		card.Quote(tgui.TruncRunes(m.Text, singlePreview))
	}
	if m.Own {
		card.Note("Posted by the monitoring account.")
	}
	if route.Handle != "" {
		card.Link("Open post", tgui.PostURL(route.Handle, m.ID))
	}

	return Output{
		Subject:  "[New] " + subject(route),
		HTML:     html,
		Telegram: card.String(),
	}, nil
}

// Batch renders the backfill result of one channel.
func (r *Renderer) Batch(route monitor.Route, msgs []monitor.MatchedMessage) (Output, error) {
	items := make([]itemView, 0, len(msgs))
	for i, m := range msgs {
		items = append(items, r.item(i+1, m))
	}
	label := "Total Alerts"
	if route.Template == channels.TemplateCVE {
		label = "Total Vulnerabilities"
	}
	view := batchView{
		Channel:   route.Channel,
		Label:     label,
		Generated: r.now().In(r.loc).Format(dateLayout),
		Items:     items,
	}
	html, err := r.exec(templateName("batch", route.Template), view)
	if err != nil {
		return Output{}, err
	}

	card := tgui.NewCard("📊", "Initial search · "+route.Channel).
		Text(fmt.Sprintf("Found %d matching messages.", len(items)))
	for i, it := range items {
		if i == TelegramBatchItems {
			card.Note(fmt.Sprintf("…and %d more in the mail report.", len(items)-TelegramBatchItems))
			break
		}
		preview := it.Text
		if it.parsed && it.Leak.Title != "" {
			preview = it.Leak.Title
		} else if it.HasLeak() && it.Leak.Content != "" {
			preview = it.Leak.Content
		}
		card.Line(tgui.Esc(fmt.Sprintf("%d. ", it.Index)) + tgui.Code(it.Date) + tgui.Esc(" "+tgui.TruncRunes(tgui.OneLine(preview), batchPreview)))
	}

	return Output{
		Subject:  "[Osint] " + subject(route),
		HTML:     html,
		Telegram: card.String(),
	}, nil
}

// Health renders a connection health check.
func (r *Renderer) Health(status monitor.HealthStatus, message string) (Output, error) {
	ok := status == monitor.HealthConnected
	text := "Connection Failed"
	icon := "❌"
	if ok {
		text = "Connected"
		icon = "✅"
	}
	html, err := r.exec("health", healthView{
		OK:        ok,
		Status:    text,
		Message:   message,
		Generated: r.now().In(r.loc).Format(dateLayout),
	})
	if err != nil {
		return Output{}, err
	}
	card := tgui.NewCard(icon, "Channel Monitor · "+text).Text(message)
	return Output{
		Subject:  "[Health Check] Channel Monitor - " + text,
		HTML:     html,
		Telegram: card.String(),
	}, nil
}

func subject(route monitor.Route) string {
	if s := strings.TrimSpace(route.Subject); s != "" {
		return s
	}
	if route.Channel != "" {
		return route.Channel
	}
	return route.Handle
}
