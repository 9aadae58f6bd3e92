package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNegative = errors.New("must not be negative")

// FieldError reports a bad value at a dotted config path.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses an optional Go duration string ("30s", "2m").
// Empty means unset and yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	case d < 0:
		return 0, &FieldError{Path: path, Value: raw, Err: errNegative}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for unset or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
