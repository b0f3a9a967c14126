package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	secretRe = regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)
)

// SetEnabled toggles redaction of transcripts in logs.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers and API-key shaped tokens when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := secretRe.ReplaceAllString(in, "[REDACTED_SECRET]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Preview redacts and truncates text for a single log attribute.
func Preview(in string, max int) string {
	out := Text(in)
	if max > 0 && len(out) > max {
		return out[:max] + "..."
	}
	return out
}
