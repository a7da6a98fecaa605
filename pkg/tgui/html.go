package tgui

import (
	"fmt"
	"html"
)

// H is markup that is already safe for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name string, inner H) H { return H("<" + name + ">" + string(inner) + "</" + name + ">") }

func B(s string) H     { return tag("b", Esc(s)) }
func I(s string) H     { return tag("i", Esc(s)) }
func Code(s string) H  { return tag("code", Esc(s)) }
func Quote(s string) H { return tag("blockquote", Esc(s)) }

// Link builds an anchor; both parts are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// PostURL is the public link to a message in a channel with a username.
func PostURL(handle string, id int64) string {
	return fmt.Sprintf("https://t.me/%s/%d", handle, id)
}
