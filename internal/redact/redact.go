// Package redact scrubs secrets out of text that originated from a
// subprocess, a guest-agent RPC, or any other boundary that might echo back
// a password or token, before that text reaches a log line or an API body.
package redact

import (
	"regexp"
)

const placeholder = "[REDACTED]"

// DefaultMaxBytes bounds how much of a redacted string is kept.
const DefaultMaxBytes = 4096

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]+`),
	regexp.MustCompile(`[A-Za-z0-9+/=_-]{40,}`),
}

// Redactor replaces known-secret substrings with a placeholder and bounds
// the resulting string length. The zero value is ready to use.
type Redactor struct {
	// Secrets is an explicit list of known secret values (VNC password,
	// HMAC secret, gateway admin credentials) to scrub verbatim, in
	// addition to the pattern-based scrubbing below.
	Secrets []string

	// MaxBytes bounds the output. Zero means DefaultMaxBytes.
	MaxBytes int
}

// String returns s with every known secret and every matched pattern
// replaced by a placeholder, truncated to MaxBytes.
func (r Redactor) String(s string) string {
	out := s
	for _, secret := range r.Secrets {
		if secret == "" {
			continue
		}
		out = replaceAll(out, secret, placeholder)
	}
	for _, p := range defaultPatterns {
		out = p.ReplaceAllString(out, placeholder)
	}
	max := r.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if len(out) > max {
		out = out[:max] + "...[truncated]"
	}
	return out
}

func replaceAll(s, old, new string) string {
	if old == "" {
		return s
	}
	re := regexp.MustCompile(regexp.QuoteMeta(old))
	return re.ReplaceAllString(s, new)
}
