package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrefersOpenGraph(t *testing.T) {
	html := `<html><head>
<title>Fallback - YouTube</title>
<meta name="twitter:title" content="Twitter title">
<meta property="og:title" content="Never Gonna Give You Up">
<meta property="og:image" content="https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg">
</head><body></body></html>`
	meta, err := Parse(strings.NewReader(html))
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up", meta.Title)
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg", meta.Thumbnail)
}

func TestParseFallsBackToTitleTag(t *testing.T) {
	meta, err := Parse(strings.NewReader(`<html><head><title> Some clip - YouTube </title></head></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Some clip", meta.Title)
	assert.Empty(t, meta.Thumbnail)
}

func TestFetchServesPage(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`<html><head><meta property="og:title" content="Talk"><link rel="image_src" href="https://img.example/t.jpg"></head></html>`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, zerolog.Nop())
	meta, err := f.Fetch(context.Background(), srv.URL+"/watch")
	require.NoError(t, err)
	assert.Equal(t, "Talk", meta.Title)
	assert.Equal(t, "https://img.example/t.jpg", meta.Thumbnail)
	assert.Equal(t, DefaultUserAgent, gotUA)
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second, zerolog.Nop()).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestYoutubeThumbnail(t *testing.T) {
	assert.Equal(t, "https://i.ytimg.com/vi/abc123/hqdefault.jpg", youtubeThumbnail("https://www.youtube.com/watch?v=abc123"))
	assert.Empty(t, youtubeThumbnail("https://vimeo.com/123"))
	assert.Empty(t, youtubeThumbnail("https://www.youtube.com/feed"))
}
