package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/lvcoi/vidfetch/internal/downloader"
)

// Kind classifies why an acquisition failed.
type Kind int

const (
	TransientNetwork Kind = iota + 1
	IdentityRejected
	AuthRequired
	AgeRestricted
	ContentUnavailable
	ValidationFailed
	ConfigurationError
	FormatUnavailable
	Canceled
)

var kindNames = map[Kind]string{
	TransientNetwork:   "transient_network",
	IdentityRejected:   "identity_rejected",
	AuthRequired:       "auth_required",
	AgeRestricted:      "age_restricted",
	ContentUnavailable: "content_unavailable",
	ValidationFailed:   "validation_failed",
	ConfigurationError: "configuration_error",
	FormatUnavailable:  "format_unavailable",
	Canceled:           "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var remediations = map[Kind]string{
	TransientNetwork:   "A temporary network problem interrupted the request; try again in a few minutes.",
	IdentityRejected:   "The site rejected the request as automated; try again later or supply cookies from a signed-in browser.",
	AuthRequired:       "The site requires a signed-in session; export cookies from your browser and include them with the request.",
	AgeRestricted:      "This video is age-restricted; supply cookies from a signed-in browser session that has confirmed its age.",
	ContentUnavailable: "The video is private, removed, or not available in this region.",
	ValidationFailed:   "The download produced an invalid or incomplete file; try again or choose a lower quality.",
	ConfigurationError: "Check the request: each URL must be an absolute http(s) link and quality one of highest, 1080p, 720p, 480p, 360p.",
	FormatUnavailable:  "The requested quality is not offered for this video; choose another quality.",
	Canceled:           "The request was canceled before the download finished.",
}

// Error is a classified acquisition failure. Remediation is a hint a
// person can act on.
type Error struct {
	Kind        Kind
	Op          string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Remediation: remediations[kind], Err: err}
}

// KindOf returns the kind of a classified error, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// RemediationOf returns the remediation hint of a classified error.
func RemediationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Remediation
	}
	return ""
}

// Retryable reports whether another attempt may help. Age-restricted
// content gets exactly one retry, and only with cookies.
func Retryable(kind Kind, hasCookies, ageRetried bool) bool {
	switch kind {
	case TransientNetwork, IdentityRejected, ValidationFailed, FormatUnavailable:
		return true
	case AgeRestricted:
		return hasCookies && !ageRetried
	}
	return false
}

// rank orders kinds by how much they tell the caller.
func rank(k Kind) int {
	switch k {
	case ContentUnavailable, AgeRestricted, AuthRequired, ConfigurationError, Canceled:
		return 5
	case FormatUnavailable:
		return 4
	case IdentityRejected:
		return 3
	case ValidationFailed:
		return 2
	case TransientNetwork:
		return 1
	}
	return 0
}

func moreInformative(prev, next *Error) *Error {
	if prev == nil || rank(next.Kind) >= rank(prev.Kind) {
		return next
	}
	return prev
}

var (
	agePattern = regexp.MustCompile(`\bage[- ]restricted\b|\bconfirm your age\b|inappropriate for some users|\bage verification\b`)

	identityPhrases = []string{
		"sign in to confirm", "not a bot", "captcha", "http error 403", "forbidden",
		"too many requests", "http error 429", "status code 429", "rate-limit",
	}
	unavailablePhrases = []string{
		"private video", "video unavailable", "video is unavailable", "has been removed",
		"not available in your country", "copyright", "members-only", "does not exist",
		"account associated with this video has been terminated",
	}
)

// Classify maps any failure onto a Kind. Unrecognized errors are treated
// as transient so they consume the retry budget instead of failing fast.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.Canceled) {
		return newError(Canceled, "", err)
	}

	switch {
	case errors.Is(err, downloader.ErrAgeRestricted):
		return newError(AgeRestricted, "", err)
	case errors.Is(err, downloader.ErrUnavailable):
		return newError(ContentUnavailable, "", err)
	case errors.Is(err, downloader.ErrFormatUnavailable):
		return newError(FormatUnavailable, "", err)
	case errors.Is(err, downloader.ErrForbidden):
		return newError(IdentityRejected, "", err)
	case errors.Is(err, downloader.ErrInvalidContainer):
		return newError(ValidationFailed, "", err)
	case errors.Is(err, downloader.ErrUnsupported):
		e := newError(ConfigurationError, "", err)
		e.Remediation = "This site or link type is not supported."
		return e
	}

	var statusErr *downloader.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden:
			return newError(IdentityRejected, "", err)
		case statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500:
			return newError(TransientNetwork, "", err)
		case statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone:
			return newError(ContentUnavailable, "", err)
		}
	}

	// yt-dlp failures arrive as plain exit errors; only the wording tells.
	msg := strings.ToLower(err.Error())
	switch {
	case agePattern.MatchString(msg):
		return newError(AgeRestricted, "", err)
	case strings.Contains(msg, "requested format is not available"):
		return newError(FormatUnavailable, "", err)
	case containsAny(msg, identityPhrases):
		return newError(IdentityRejected, "", err)
	case containsAny(msg, unavailablePhrases):
		return newError(ContentUnavailable, "", err)
	}

	// Timeouts, resets, truncated bodies and anything unrecognized land
	// here.
	return newError(TransientNetwork, "", err)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
