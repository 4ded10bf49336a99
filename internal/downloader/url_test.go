package downloader

import "testing"

func TestValidateURL(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid http", input: "http://example.com/video.mp4"},
		{name: "valid https", input: "https://example.com/watch?v=123"},
		{name: "surrounding space", input: "  https://example.com/a  "},
		{name: "missing scheme", input: "example.com/video.mp4", wantErr: true},
		{name: "empty", input: " ", wantErr: true},
		{name: "unsupported scheme", input: "ftp://example.com/video.mp4", wantErr: true},
		{name: "unparseable", input: "http://[::1", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateURL(tc.input)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.input)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.input, err)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://www.youtube.com/shorts/abc123", "https://www.youtube.com/watch?v=abc123"},
		{"https://youtube.com/shorts/abc123?feature=share", "https://www.youtube.com/watch?v=abc123"},
		{"https://m.youtube.com/watch?v=abc123&feature=youtu.be", "https://www.youtube.com/watch?v=abc123"},
		{"https://youtu.be/abc123?t=42", "https://www.youtube.com/watch?t=42&v=abc123"},
		{"https://www.youtube.com/live/abc123", "https://www.youtube.com/watch?v=abc123"},
		{"https://www.youtube.com/embed/abc123", "https://www.youtube.com/watch?v=abc123"},
		{"https://music.youtube.com/watch?v=abc123&si=xyz", "https://www.youtube.com/watch?v=abc123"},
		{"https://www.youtube.com/watch?v=abc123&list=PL1234567890abc", "https://www.youtube.com/watch?list=PL1234567890abc&v=abc123"},
		{"https://vimeo.com/12345", "https://vimeo.com/12345"},
		{"https://www.youtube.com/@channel", "https://www.youtube.com/@channel"},
	}
	for _, tc := range cases {
		if got := NormalizeURL(tc.in); got != tc.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsShortsURL(t *testing.T) {
	if !IsShortsURL("https://www.youtube.com/shorts/abc123") {
		t.Fatal("expected shorts URL to be detected")
	}
	if IsShortsURL("https://www.youtube.com/watch?v=abc123") {
		t.Fatal("watch URL is not shorts")
	}
	if IsShortsURL("https://example.com/shorts/abc123") {
		t.Fatal("non-YouTube host is not shorts")
	}
}

func TestIsYouTubeURL(t *testing.T) {
	for _, u := range []string{"https://youtu.be/x", "https://www.youtube.com/watch?v=x", "https://music.youtube.com/watch?v=x", "https://m.youtube.com/watch?v=x"} {
		if !IsYouTubeURL(u) {
			t.Errorf("expected %q to be YouTube", u)
		}
	}
	if IsYouTubeURL("https://notyoutube.com/watch?v=x") {
		t.Error("lookalike host must not match")
	}
}

func TestIsPlaylistURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/playlist?list=PL1234567890abcdef", true},
		{"https://music.youtube.com/playlist?list=OLAK5uy_1234567890abc", true},
		{"https://www.youtube.com/watch?v=abc&list=PL1234567890abcdef", false},
		{"https://www.youtube.com/watch?v=abc", false},
		{"https://www.youtube.com/playlist?list=short", false},
		{"https://example.com/feed?list=PL1234567890abcdef", false},
	}
	for _, tc := range cases {
		if got := IsPlaylistURL(tc.url); got != tc.want {
			t.Errorf("IsPlaylistURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
