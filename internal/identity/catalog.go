package identity

import (
	"fmt"
	"net/http"

	utls "github.com/refraction-networking/utls"
)

const (
	chromeAccept  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	firefoxAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	safariAccept  = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	youtubeOrigin = "https://www.youtube.com/"
)

// DefaultCatalog returns the built-in browser signatures. Each call returns
// fresh header maps.
func DefaultCatalog() []Fingerprint {
	return []Fingerprint{
		chrome("124", "Windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"),
		chrome("124", "macOS", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"),
		chrome("123", "Linux", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"),
		firefox("Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0"),
		firefox("Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:124.0) Gecko/20100101 Firefox/124.0"),
		safari("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"),
	}
}

func chrome(major, platform, ua string) Fingerprint {
	h := http.Header{}
	h.Set("Accept", chromeAccept)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not-A.Brand";v="99"`, major, major))
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", fmt.Sprintf("%q", platform))
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Referer", youtubeOrigin)
	return Fingerprint{Family: FamilyChrome, UserAgent: ua, Headers: h, Hello: utls.HelloChrome_Auto}
}

func firefox(ua string) Fingerprint {
	h := http.Header{}
	h.Set("Accept", firefoxAccept)
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Referer", youtubeOrigin)
	return Fingerprint{Family: FamilyFirefox, UserAgent: ua, Headers: h, Hello: utls.HelloFirefox_Auto}
}

func safari(ua string) Fingerprint {
	h := http.Header{}
	h.Set("Accept", safariAccept)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Referer", youtubeOrigin)
	return Fingerprint{Family: FamilySafari, UserAgent: ua, Headers: h, Hello: utls.HelloSafari_Auto}
}
