package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxPageBytes = 2 << 20

type pageMetadata struct {
	Title     string
	Author    string
	Thumbnail string
	VideoURL  string
	OEmbedURL string
}

type oEmbedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// parsePage pulls OpenGraph and Twitter card metadata out of an HTML
// document. Relative URLs are resolved against base.
func parsePage(r io.Reader, base *url.URL) (pageMetadata, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return pageMetadata{}, fmt.Errorf("parsing page: %w", err)
	}
	meta := func(keys ...string) string {
		for _, key := range keys {
			sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)
			if value, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
		return ""
	}

	out := pageMetadata{
		Title:     stringsOrFallback(meta("og:title", "twitter:title"), strings.TrimSpace(doc.Find("title").First().Text())),
		Author:    meta("author", "og:site_name"),
		Thumbnail: resolveRef(base, meta("og:image", "og:image:url", "twitter:image")),
		VideoURL:  resolveRef(base, meta("og:video:secure_url", "og:video:url", "og:video", "twitter:player:stream")),
	}
	if out.VideoURL == "" {
		if src, ok := doc.Find("video source[src], video[src]").First().Attr("src"); ok {
			out.VideoURL = resolveRef(base, src)
		}
	}
	if href, ok := doc.Find(`link[rel="alternate"][type="application/json+oembed"]`).First().Attr("href"); ok {
		out.OEmbedURL = resolveRef(base, href)
	}
	return out, nil
}

func fetchPage(ctx context.Context, client *http.Client, pageURL string) (pageMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return pageMetadata{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return pageMetadata{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, pageURL); err != nil {
		return pageMetadata{}, err
	}
	base, _ := url.Parse(pageURL)
	meta, err := parsePage(io.LimitReader(resp.Body, maxPageBytes), base)
	if err != nil {
		return pageMetadata{}, err
	}
	if meta.OEmbedURL != "" && (meta.Title == "" || meta.Thumbnail == "") {
		if oembed, err := fetchOEmbed(ctx, client, meta.OEmbedURL); err == nil {
			meta.Title = stringsOrFallback(meta.Title, oembed.Title)
			meta.Author = stringsOrFallback(meta.Author, oembed.AuthorName)
			meta.Thumbnail = stringsOrFallback(meta.Thumbnail, oembed.ThumbnailURL)
		}
	}
	return meta, nil
}

func fetchOEmbed(ctx context.Context, client *http.Client, oembedURL string) (oEmbedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oembedURL, nil)
	if err != nil {
		return oEmbedResponse{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return oEmbedResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, oembedURL); err != nil {
		return oEmbedResponse{}, err
	}
	var payload oEmbedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&payload); err != nil {
		return oEmbedResponse{}, err
	}
	return payload, nil
}

func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}

func stringsOrFallback(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
