package render

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Leak is the structured body some monitored channels post, either as a JSON
// object or as JSON-looking text followed by free-form markup.
type Leak struct {
	Source        string
	Title         string
	Content       string
	DetectionDate string
}

func (l Leak) empty() bool {
	return l.Source == "" && l.Title == "" && l.Content == "" && l.DetectionDate == ""
}

var (
	sourceMarker = regexp.MustCompile(`(?i)"source"\s*:`)
	fieldSource  = regexp.MustCompile(`(?i)"Source"\s*:\s*"([^"]+)"`)
	fieldTitle   = regexp.MustCompile(`(?i)"Title"\s*:\s*"([^"]+)"`)
	fieldContent = regexp.MustCompile(`(?is)"Content"\s*:\s*"([^"]+?)"\s*,\s*"`)
	fieldDate    = regexp.MustCompile(`(?i)"Detection Date"\s*:\s*"([^"]+)"`)
	visitLink    = regexp.MustCompile(`(?is)Visit the link.*?\.\.\.`)
)

// ParseLeak extracts a Leak from text. It reports false when text carries no
// recognisable fields.
func ParseLeak(text string) (Leak, bool) {
	if !sourceMarker.MatchString(text) {
		return Leak{}, false
	}
	l, ok := parseLeakJSON(text)
	if !ok {
		l = parseLeakFields(jsonPart(text))
	}
	l.Content = strings.TrimSpace(visitLink.ReplaceAllString(l.Content, ""))
	if l.empty() {
		return Leak{}, false
	}
	return l, true
}

func parseLeakJSON(text string) (Leak, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &m); err != nil {
		return Leak{}, false
	}
	l := Leak{
		Source:        pick(m, "Source", "source"),
		Title:         pick(m, "Title", "title"),
		Content:       pick(m, "Content", "content"),
		DetectionDate: pick(m, "Detection Date", "detection_date"),
	}
	return l, !l.empty()
}

func pick(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// jsonPart drops trailing markup that usually follows the JSON head.
func jsonPart(text string) string {
	for _, sep := range []string{"**", "🔹", "\n\n"} {
		if i := strings.Index(text, sep); i >= 0 {
			return strings.TrimSpace(text[:i])
		}
	}
	return text
}

func parseLeakFields(text string) Leak {
	get := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(text); len(m) == 2 {
			return m[1]
		}
		return ""
	}
	return Leak{
		Source:        get(fieldSource),
		Title:         get(fieldTitle),
		Content:       get(fieldContent),
		DetectionDate: get(fieldDate),
	}
}
