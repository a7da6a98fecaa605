package tgui

import (
	"strings"
	"unicode/utf8"
)

// TextLimit stays under Telegram's 4096 character message limit.
const TextLimit = 4000

// TruncRunes returns s cut to at most n runes, with "…" appended when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}

// OneLine collapses whitespace runs so a preview fits on a single line.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Split cuts s into chunks of at most limit runes (TextLimit when limit is
// not positive). A chunk ends at a newline when one falls in its last two
// thirds. With isHTML set a chunk never ends inside an open tag.
func Split(s string, limit int, isHTML bool) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		if n < len(rs) {
			n = lineBreak(rs[:n], limit/3)
			if isHTML {
				n = tagSafe(rs[:n])
			}
		}
		out = append(out, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// lineBreak returns the length of chunk up to and including its last
// newline at index >= floor, or len(chunk) if there is none.
func lineBreak(chunk []rune, floor int) int {
	for i := len(chunk) - 1; i > 0 && i >= floor; i-- {
		if chunk[i] == '\n' {
			return i + 1
		}
	}
	return len(chunk)
}

// tagSafe shortens chunk to before a trailing unclosed '<'.
func tagSafe(chunk []rune) int {
	open, closed := -1, -1
	for i, r := range chunk {
		switch r {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > 1 {
		return open
	}
	return len(chunk)
}
