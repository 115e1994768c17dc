package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"yt-queue/internal/model"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) yt-queue"
	maxPageBytes     = 4 << 20
)

// Fetcher reads a page's title and preview image from its HTML head.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       zerolog.Logger
}

func NewFetcher(timeout time.Duration, logger zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		log:       logger.With().Str("component", "metadata").Logger(),
	}
}

// Fetch returns whatever it can find. A page without tags yields an empty
// Metadata and no error.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (model.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return model.Metadata{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Metadata{}, fmt.Errorf("fetch page: unexpected status %d", resp.StatusCode)
	}

	meta, err := Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return model.Metadata{}, err
	}
	if meta.Thumbnail == "" {
		meta.Thumbnail = youtubeThumbnail(pageURL)
	}
	f.log.Debug().Str("url", pageURL).Str("title", meta.Title).Msg("metadata fetched")
	return meta, nil
}

// Parse extracts metadata from an HTML document. Open Graph tags win over
// twitter cards, which win over <title>.
func Parse(r io.Reader) (model.Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("parse page: %w", err)
	}
	title := firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("head title").First().Text()),
	)
	thumb := firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
		attr(doc, `link[rel="image_src"]`, "href"),
	)
	return model.Metadata{Title: strings.TrimSuffix(title, " - YouTube"), Thumbnail: thumb}, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	return attr(doc, selector, "content")
}

func attr(doc *goquery.Document, selector, name string) string {
	val, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(val)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// youtubeThumbnail derives the static preview for watch URLs.
func youtubeThumbnail(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.HasSuffix(u.Hostname(), "youtube.com") {
		return ""
	}
	id := u.Query().Get("v")
	if id == "" {
		return ""
	}
	return "https://i.ytimg.com/vi/" + url.PathEscape(id) + "/hqdefault.jpg"
}
