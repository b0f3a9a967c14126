package turn

import "testing"

func TestDiffMonotonicGrowth(t *testing.T) {
	cases := []struct{ a, b string }{
		{"", ""},
		{"", "hello"},
		{"Hello", " world"},
		{"Hello world", ""},
		{"héllo", " wörld"},
	}
	for _, tc := range cases {
		if got := Diff(tc.a, tc.a+tc.b); got != tc.b {
			t.Fatalf("Diff(%q, %q) = %q, want %q", tc.a, tc.a+tc.b, got, tc.b)
		}
	}
}

func TestDiffEmptySubmitted(t *testing.T) {
	for _, x := range []string{"", "a", "Hello wor", "{COMPLETE}"} {
		if got := Diff("", x); got != x {
			t.Fatalf("Diff(\"\", %q) = %q", x, got)
		}
	}
}

func TestDiffIsPure(t *testing.T) {
	first := Diff("Hello", "Hello there")
	second := Diff("Hello", "Hello there")
	if first != second || first != " there" {
		t.Fatalf("expected stable result, got %q and %q", first, second)
	}
}

func TestDiffEditedPrefix(t *testing.T) {
	// An edit before the end of submitted text is not corrected.
	if got := Diff("Hello world", "Help world again"); got != "p world again" {
		t.Fatalf("unexpected suffix %q", got)
	}
	if got := Diff("Hello world", "Hello"); got != "" {
		t.Fatalf("expected empty suffix for a shorter buffer, got %q", got)
	}
}

func TestAccumulatorCommit(t *testing.T) {
	var a Accumulator
	a.Update("Hel")
	a.Update("Hello")
	if a.Pending() != "Hello" {
		t.Fatalf("expected pending Hello, got %q", a.Pending())
	}
	if got := a.Commit(); got != "Hello" || a.Submitted() != "Hello" || a.Pending() != "" {
		t.Fatalf("unexpected commit %q submitted=%q", got, a.Submitted())
	}
	a.Update("Hello again")
	a.Commit()
	if a.Submitted() != "Hello again" {
		t.Fatalf("submitted must concatenate, got %q", a.Submitted())
	}
	a.Reset()
	if a.Submitted() != "" || a.Pending() != "" {
		t.Fatalf("expected reset")
	}
}
