package tgui

import "strings"

// Card builds a short notification: a bold title followed by lines.
// Every method escapes its input unless it takes an H.
type Card struct {
	title H
	lines []H
}

func NewCard(icon, title string) *Card {
	t := B(title)
	if icon != "" {
		t = Esc(icon+" ") + t
	}
	return &Card{title: t}
}

// Field adds "label: value" with the value in code style. Empty values are
// skipped.
func (c *Card) Field(label, value string) *Card {
	if strings.TrimSpace(value) == "" {
		return c
	}
	c.lines = append(c.lines, Esc(label+": ")+Code(value))
	return c
}

func (c *Card) Text(s string) *Card {
	if s != "" {
		c.lines = append(c.lines, Esc(s))
	}
	return c
}

func (c *Card) Note(s string) *Card {
	if s != "" {
		c.lines = append(c.lines, I(s))
	}
	return c
}

func (c *Card) Quote(s string) *Card {
	if strings.TrimSpace(s) != "" {
		c.lines = append(c.lines, Quote(s))
	}
	return c
}

// Link adds an anchor line. Nothing is added without a url.
func (c *Card) Link(text, url string) *Card {
	if url != "" {
		c.lines = append(c.lines, Link(text, url))
	}
	return c
}

func (c *Card) Line(h H) *Card {
	c.lines = append(c.lines, h)
	return c
}

func (c *Card) Blank() *Card {
	c.lines = append(c.lines, "")
	return c
}

func (c *Card) String() string {
	var b strings.Builder
	b.WriteString(c.title.String())
	for _, l := range c.lines {
		b.WriteByte('\n')
		b.WriteString(l.String())
	}
	return b.String()
}
