package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Blank is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	switch d, err := time.ParseDuration(s); {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration %q is negative", path, raw)
	default:
		return d, nil
	}
}

// Durations collects errors across several fields so a bad file is
// reported in one pass.
type Durations struct{ errs []error }

// Get falls back to def for blank, zero and invalid values.
func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	if err != nil || v == 0 {
		return def
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
