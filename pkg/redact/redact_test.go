package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com, phone +62 812 3456 7890, key sk-abcdefghijklmnop1234"
	got := Text(in)
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_SECRET]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
}

func TestPreviewTruncates(t *testing.T) {
	SetEnabled(false)
	if got := Preview("hello world", 5); got != "hello..." {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := Preview("hi", 5); got != "hi" {
		t.Fatalf("unexpected preview %q", got)
	}
}
