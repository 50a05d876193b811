package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration read from a string such as "90s" or "5m".
type Duration time.Duration

// UnmarshalText parses a Go duration string. Negative values are rejected.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Or returns d, or fallback when d is unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

// Secret holds a backend API key. Every rendering path (fmt verbs, JSON,
// YAML, zap) sees "[REDACTED]"; Reveal returns the key itself.
type Secret string

// Format prints the redacted form for every verb, %#v included.
func (s Secret) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, s.redacted())
}

// MarshalText emits the redacted form.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.redacted()), nil
}

// UnmarshalText stores the raw key.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// Reveal returns the key for handing to a backend client.
func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) redacted() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}
