// Package filter decides whether a message's text is interesting for a
// channel. It is pure and safe for concurrent use.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Kind selects the matching rule.
type Kind string

const (
	Contains    Kind = "contains"
	ContainsAll Kind = "contains_all"
	StartsWith  Kind = "starts_with"
	EndsWith    Kind = "ends_with"
	Regex       Kind = "regex"
	NotContains Kind = "not_contains"
)

// ParseKind maps a configured kind name. Empty means Contains.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "":
		return Contains, nil
	case Contains, ContainsAll, StartsWith, EndsWith, Regex, NotContains:
		return k, nil
	default:
		return "", fmt.Errorf("filter: unknown type %q", s)
	}
}

// Spec is a channel's filter. For Regex, Terms holds a single pattern and
// IgnoreCase controls case sensitivity; every other kind always folds case.
type Spec struct {
	Kind       Kind
	Terms      []string
	IgnoreCase bool
}

// Empty reports whether the spec lets everything through.
func (s Spec) Empty() bool { return len(s.terms()) == 0 }

// Keywords returns the terms usable as remote search queries. Only the
// "contains" family has them.
func (s Spec) Keywords() []string {
	switch s.Kind {
	case Contains, ContainsAll, "":
		return s.terms()
	default:
		return nil
	}
}

func (s Spec) String() string {
	if s.Empty() {
		return "none"
	}
	return fmt.Sprintf("%s %q", s.Kind, s.terms())
}

func (s Spec) terms() []string {
	out := make([]string, 0, len(s.Terms))
	for _, t := range s.Terms {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

// Accepts reports whether text passes spec.
func Accepts(text string, spec Spec) bool {
	ok, _ := Match(text, spec)
	return ok
}

// Match reports whether text passes spec together with the terms that
// matched. An empty spec or empty text passes with no terms.
func Match(text string, spec Spec) (bool, []string) {
	terms := spec.terms()
	if len(terms) == 0 || text == "" {
		return true, nil
	}

	if spec.Kind == Regex {
		re, err := compile(terms[0], spec.IgnoreCase)
		if err != nil {
			return false, nil
		}
		loc := re.FindStringIndex(text)
		if loc == nil {
			return false, nil
		}
		return true, []string{text[loc[0]:loc[1]]}
	}

	fold := cases.Fold()
	body := fold.String(text)
	hits := make([]string, 0, len(terms))
	for _, t := range terms {
		ft := fold.String(t)
		var hit bool
		switch spec.Kind {
		case StartsWith:
			hit = strings.HasPrefix(body, ft)
		case EndsWith:
			hit = strings.HasSuffix(body, ft)
		default:
			hit = strings.Contains(body, ft)
		}
		if hit {
			hits = append(hits, t)
		}
	}

	switch spec.Kind {
	case ContainsAll:
		if len(hits) != len(terms) {
			return false, nil
		}
		return true, hits
	case NotContains:
		return len(hits) == 0, nil
	default:
		if len(hits) == 0 {
			return false, nil
		}
		return true, hits
	}
}

// Validate checks a spec before it is used.
func Validate(spec Spec) error {
	if _, err := ParseKind(string(spec.Kind)); err != nil {
		return err
	}
	if spec.Kind != Regex {
		return nil
	}
	terms := spec.terms()
	if len(terms) == 0 {
		return nil
	}
	if len(terms) > 1 {
		return fmt.Errorf("filter: regex takes a single pattern, got %d", len(terms))
	}
	_, err := compile(terms[0], spec.IgnoreCase)
	return err
}

type regexKey struct {
	pattern    string
	ignoreCase bool
}

type regexEntry struct {
	re  *regexp.Regexp
	err error
}

var regexCache sync.Map // regexKey -> regexEntry

func compile(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	key := regexKey{pattern: pattern, ignoreCase: ignoreCase}
	if v, ok := regexCache.Load(key); ok {
		e := v.(regexEntry)
		return e.re, e.err
	}
	src := pattern
	if ignoreCase {
		src = "(?i)" + pattern
	}
	re, err := regexp.Compile(src)
	if err != nil {
		err = fmt.Errorf("filter: invalid regex %q: %w", pattern, err)
	}
	v, _ := regexCache.LoadOrStore(key, regexEntry{re: re, err: err})
	e := v.(regexEntry)
	return e.re, e.err
}

// Fold is the case folding Match applies to text and terms. It covers all
// of Unicode, not just ASCII.
func Fold(s string) string {
	// cases.Caser keeps state; one per call.
	return cases.Fold().String(s)
}
