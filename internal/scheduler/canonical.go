package scheduler

import (
	"fmt"
	"net/url"
	"strings"

	"yt-queue/internal/model"
)

var trackingParams = map[string]bool{
	"si":      true,
	"feature": true,
	"fbclid":  true,
	"gclid":   true,
}

var youtubeHosts = map[string]bool{
	"youtube.com":   true,
	"m.youtube.com": true,
}

func isYouTubeHost(host string) bool {
	return host == "youtu.be" || host == "www.youtube.com" || youtubeHosts[host]
}

// Canonicalize returns the key a URL is tracked under: lowercase scheme and
// host, no fragment or trailing slash, a sorted query and youtu.be short
// links expanded. Tracking parameters are dropped for YouTube hosts only;
// elsewhere they may select different content.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", model.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %s", model.ErrInvalidURL, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	if isYouTubeHost(u.Host) {
		for key := range q {
			if trackingParams[key] || strings.HasPrefix(key, "utm_") {
				q.Del(key)
			}
		}
	}

	switch {
	case u.Host == "youtu.be":
		if id := strings.Trim(u.Path, "/"); id != "" {
			q.Set("v", id)
			u.Host = "www.youtube.com"
			u.Path = "/watch"
			u.RawPath = ""
			u.Scheme = "https"
		}
	case youtubeHosts[u.Host]:
		u.Host = "www.youtube.com"
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	u.RawQuery = q.Encode()
	u.ForceQuery = false
	return u.String(), nil
}
