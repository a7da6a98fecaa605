// Package channels loads the list of monitored channels.
//
// The channels file is a JSON array; every entry is validated on its own so a
// single bad entry never takes the rest of the list down with it.
package channels

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/HypeDuke/osint3/internal/filter"
	"github.com/HypeDuke/osint3/internal/platform"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

const (
	DefaultSearchLimit = 1000
	schemaURL          = "https://osint3.local/channel.schema.json"
)

// Template names a notification layout.
type Template string

const (
	TemplateBreach  Template = "breach"
	TemplateCVE     Template = "cve"
	TemplateMinimal Template = "minimal"
)

// Channel is one monitored channel. Read-only after load.
type Channel struct {
	Handle      string
	Name        string
	Filter      filter.Spec
	SearchLimit int
	Template    Template
	Subject     string
}

// Problem describes an entry that was dropped.
type Problem struct {
	Index  int
	Handle string
	Err    error
}

func (p Problem) String() string {
	if p.Handle != "" {
		return fmt.Sprintf("entry %d (%s): %v", p.Index, p.Handle, p.Err)
	}
	return fmt.Sprintf("entry %d: %v", p.Index, p.Err)
}

type rawFilter struct {
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value"`
	IgnoreCase *bool           `json:"ignore_case"`
}

type rawChannel struct {
	Username     string     `json:"username"`
	Name         string     `json:"name"`
	Filter       *rawFilter `json:"filter"`
	SearchLimit  int        `json:"search_limit"`
	Template     string     `json:"template"`
	EmailSubject string     `json:"email_subject"`
}

//go:embed channel.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func entrySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Load reads the channels file. A missing or malformed file yields an empty
// list; invalid entries are dropped. Problems are logged, never returned.
func Load(path string, log logx.Logger) []Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("channels file unreadable; monitoring nothing", logx.String("path", path), logx.Err(err))
		return nil
	}
	out, problems, err := Parse(data)
	if err != nil {
		log.Warn("channels file malformed; monitoring nothing", logx.String("path", path), logx.Err(err))
		return nil
	}
	for _, p := range problems {
		log.Warn("channel entry dropped", logx.Int("index", p.Index), logx.String("handle", p.Handle), logx.Err(p.Err))
	}
	log.Info("channels loaded", logx.String("path", path), logx.Int("count", len(out)), logx.Int("dropped", len(problems)))
	return out
}

// Parse decodes a channels document. It fails only when the document is not
// a JSON array; per-entry failures come back as problems.
func Parse(data []byte) ([]Channel, []Problem, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("channels: %w", err)
	}
	sch, err := entrySchema()
	if err != nil {
		return nil, nil, fmt.Errorf("channels: schema: %w", err)
	}

	out := make([]Channel, 0, len(entries))
	var problems []Problem
	seen := map[string]bool{}
	for i, raw := range entries {
		ch, err := parseEntry(sch, raw)
		if err != nil {
			problems = append(problems, Problem{Index: i, Handle: ch.Handle, Err: err})
			continue
		}
		key := strings.ToLower(ch.Handle)
		if seen[key] {
			problems = append(problems, Problem{Index: i, Handle: ch.Handle, Err: errors.New("duplicate username")})
			continue
		}
		seen[key] = true
		out = append(out, ch)
	}
	return out, problems, nil
}

func parseEntry(sch *jsonschema.Schema, raw json.RawMessage) (Channel, error) {
	var rc rawChannel
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Channel{}, err
	}
	handle := platform.NormalizeHandle(rc.Username)

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Channel{Handle: handle}, err
	}
	if err := sch.Validate(doc); err != nil {
		return Channel{Handle: handle}, err
	}

	ch := Channel{
		Handle:      handle,
		Name:        strings.TrimSpace(rc.Name),
		SearchLimit: rc.SearchLimit,
		Template:    Template(strings.ToLower(strings.TrimSpace(rc.Template))),
		Subject:     strings.TrimSpace(rc.EmailSubject),
	}
	if ch.Name == "" {
		ch.Name = handle
	}
	if ch.SearchLimit <= 0 {
		ch.SearchLimit = DefaultSearchLimit
	}
	if ch.Template == "" {
		ch.Template = TemplateBreach
	}
	if ch.Subject == "" {
		ch.Subject = ch.Name
	}

	if rc.Filter != nil {
		spec, err := parseFilter(*rc.Filter)
		if err != nil {
			return Channel{Handle: handle}, err
		}
		ch.Filter = spec
	}
	return ch, nil
}

func parseFilter(rf rawFilter) (filter.Spec, error) {
	kind, err := filter.ParseKind(rf.Type)
	if err != nil {
		return filter.Spec{}, err
	}
	terms, err := parseTerms(rf.Value, kind)
	if err != nil {
		return filter.Spec{}, err
	}
	spec := filter.Spec{Kind: kind, Terms: terms, IgnoreCase: true}
	if rf.IgnoreCase != nil {
		spec.IgnoreCase = *rf.IgnoreCase
	}
	if err := filter.Validate(spec); err != nil {
		return filter.Spec{}, err
	}
	return spec, nil
}

// parseTerms accepts a list or a comma-separated string. A regex pattern is
// never split on commas.
func parseTerms(raw json.RawMessage, kind filter.Kind) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return cleanTerms(list), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("filter.value: %w", err)
	}
	if kind == filter.Regex {
		return cleanTerms([]string{s}), nil
	}
	return cleanTerms(strings.Split(s, ",")), nil
}

func cleanTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
