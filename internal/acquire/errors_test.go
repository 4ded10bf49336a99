package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lvcoi/vidfetch/internal/downloader"
)

func TestClassifyYTDLPMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"ERROR: [youtube] abc: Sign in to confirm your age. This video may be inappropriate for some users.", AgeRestricted},
		{"ERROR: [youtube] abc: This video is age-restricted and only available on YouTube", AgeRestricted},
		{"ERROR: [youtube] abc: Sign in to confirm you're not a bot. Use --cookies-from-browser or --cookies for the authentication.", IdentityRejected},
		{"ERROR: unable to download video data: HTTP Error 403: Forbidden", IdentityRejected},
		{"ERROR: [youtube] abc: HTTP Error 429: Too Many Requests", IdentityRejected},
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access to this video", ContentUnavailable},
		{"ERROR: [youtube] abc: Video unavailable. This video has been removed by the uploader", ContentUnavailable},
		{"ERROR: [youtube] abc: This video is not available in your country", ContentUnavailable},
		{"ERROR: [youtube] abc: Requested format is not available. Use --list-formats for a list of available formats", FormatUnavailable},
		{"ERROR: [download] Got error: The read operation timed out", TransientNetwork},
		{"ERROR: unable to download video data: <urlopen error [Errno 104] Connection reset by peer>", TransientNetwork},
		{"something nobody has seen before", TransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := Classify(errors.New(tt.msg))
			if got.Kind != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.msg, got.Kind, tt.want)
			}
			if got.Remediation == "" {
				t.Fatalf("missing remediation for %s", got.Kind)
			}
		})
	}
}

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"age", fmt.Errorf("wrapped: %w", downloader.ErrAgeRestricted), AgeRestricted},
		{"unavailable", downloader.ErrUnavailable, ContentUnavailable},
		{"format", downloader.ErrFormatUnavailable, FormatUnavailable},
		{"forbidden", downloader.ErrForbidden, IdentityRejected},
		{"container", fmt.Errorf("check: %w", downloader.ErrInvalidContainer), ValidationFailed},
		{"unsupported", downloader.ErrUnsupported, ConfigurationError},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), Canceled},
		{"status 503", &downloader.StatusError{Code: 503, URL: "https://x"}, TransientNetwork},
		{"status 401", &downloader.StatusError{Code: 401, URL: "https://x"}, IdentityRejected},
		{"status 410", &downloader.StatusError{Code: 410, URL: "https://x"}, ContentUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Kind; got != tt.want {
				t.Fatalf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyKeepsTypedErrors(t *testing.T) {
	orig := newError(AuthRequired, "resolve metadata", errors.New("x"))
	wrapped := fmt.Errorf("outer: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Fatalf("expected the typed error back, got %v", got)
	}
	if Classify(nil) != nil {
		t.Fatalf("Classify(nil) should be nil")
	}
}

func TestErrorMessageIncludesRemediation(t *testing.T) {
	err := newError(AgeRestricted, "acquire", errors.New("sign in to confirm your age"))
	msg := err.Error()
	for _, part := range []string{"acquire", "age_restricted", "sign in to confirm your age", "cookies"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("message %q missing %q", msg, part)
		}
	}
	if RemediationOf(fmt.Errorf("x: %w", err)) != err.Remediation {
		t.Fatalf("RemediationOf did not unwrap")
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Fatalf("plain errors have no kind")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind       Kind
		cookies    bool
		ageRetried bool
		want       bool
	}{
		{TransientNetwork, false, false, true},
		{IdentityRejected, false, false, true},
		{ValidationFailed, false, false, true},
		{FormatUnavailable, false, false, true},
		{AgeRestricted, false, false, false},
		{AgeRestricted, true, false, true},
		{AgeRestricted, true, true, false},
		{ContentUnavailable, true, false, false},
		{ConfigurationError, false, false, false},
		{AuthRequired, true, false, false},
		{Canceled, false, false, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.kind, tt.cookies, tt.ageRetried); got != tt.want {
			t.Errorf("Retryable(%s, cookies=%v, ageRetried=%v) = %v, want %v", tt.kind, tt.cookies, tt.ageRetried, got, tt.want)
		}
	}
}

func TestMoreInformative(t *testing.T) {
	transient := newError(TransientNetwork, "", nil)
	identity := newError(IdentityRejected, "", nil)
	unavailable := newError(ContentUnavailable, "", nil)

	if got := moreInformative(nil, transient); got != transient {
		t.Fatalf("first error should win over nil")
	}
	if got := moreInformative(identity, transient); got != identity {
		t.Fatalf("transient should not replace identity rejection")
	}
	if got := moreInformative(identity, unavailable); got != unavailable {
		t.Fatalf("unavailable should replace identity rejection")
	}
	later := newError(TransientNetwork, "", errors.New("later"))
	if got := moreInformative(transient, later); got != later {
		t.Fatalf("equal rank should keep the latest")
	}
}

func TestKindString(t *testing.T) {
	if AuthRequired.String() != "auth_required" {
		t.Fatalf("unexpected name %q", AuthRequired.String())
	}
	if Kind(99).String() != "kind(99)" {
		t.Fatalf("unexpected name for unknown kind %q", Kind(99).String())
	}
}
