package acquire

import (
	"regexp"
	"strings"
	"testing"
)

func TestJobTransitions(t *testing.T) {
	j := newJob("https://example.com/v.mp4", QualityHighest, "v.mp4")
	steps := []State{StateAttempting, StateValidating, StateAttempting, StateValidating, StateCompleted}
	for _, s := range steps {
		if err := j.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := j.transition(StateAttempting); err == nil {
		t.Fatalf("completed jobs must not restart")
	}
}

func TestJobCannotCompleteWithoutValidation(t *testing.T) {
	j := newJob("u", QualityHighest, "v.mp4")
	if err := j.transition(StateCompleted); err == nil {
		t.Fatalf("pending -> completed should be rejected")
	}
	_ = j.transition(StateAttempting)
	if err := j.transition(StateCompleted); err == nil {
		t.Fatalf("attempting -> completed should be rejected")
	}
	if err := j.transition(StateFailed); err != nil {
		t.Fatalf("attempting -> failed: %v", err)
	}
	if err := j.transition(StateAttempting); err == nil {
		t.Fatalf("failed is terminal")
	}
}

func TestSafeTitle(t *testing.T) {
	tests := map[string]string{
		"My Clip!":                    "My_Clip",
		"  spaced  out  ":             "spaced__out",
		"a/b\\c:d*e?f\"g<h>i|j":       "abcdefghij",
		"日本語 タイトル":                    "日本語_タイトル",
		"":                            "",
		"!!!":                         "",
		strings.Repeat("x", 80):       strings.Repeat("x", 50),
		"keep-dashes_and_underscores": "keep-dashes_and_underscores",
	}
	for in, want := range tests {
		if got := SafeTitle(in); got != want {
			t.Errorf("SafeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutputFilename(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Za-z0-9_-]+_[0-9a-f]{8}\.mp4$`)
	a := OutputFilename("Some Video")
	b := OutputFilename("Some Video")
	if !pattern.MatchString(a) || !strings.HasPrefix(a, "Some_Video_") {
		t.Fatalf("unexpected filename %q", a)
	}
	if a == b {
		t.Fatalf("expected unique filenames, got %q twice", a)
	}
	if got := OutputFilename("???"); !strings.HasPrefix(got, "video_") {
		t.Fatalf("expected fallback name, got %q", got)
	}
}
