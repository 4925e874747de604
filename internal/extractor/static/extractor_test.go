package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

func serve(t *testing.T, html string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtract_ImagesDeduped(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><body>
		<img src="/a.jpg"><img src="/a.jpg"><img src="b.jpg" alt="bee">
	</body></html>`)

	e := New(Config{UserAgent: "test-bot", Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, scrape.ScraperStatic, result.ScraperUsed)
	require.Len(t, result.Media, 2)
	require.Equal(t, srv.URL+"/a.jpg", result.Media[0].URL)
	require.Equal(t, srv.URL+"/b.jpg", result.Media[1].URL)
	require.Equal(t, "bee", result.Media[1].Title)
	require.NotEmpty(t, result.HTML)
}

func TestExtract_SrcsetAndDataSrc(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><body>
		<img data-src="/lazy.jpg">
		<img src="/main.jpg" srcset="/small.jpg 480w, /large.jpg 1080w">
	</body></html>`)

	e := New(Config{Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	urls := mediaURLs(result)
	require.Contains(t, urls, srv.URL+"/lazy.jpg")
	require.Contains(t, urls, srv.URL+"/main.jpg")
	require.Contains(t, urls, srv.URL+"/small.jpg")
	require.Contains(t, urls, srv.URL+"/large.jpg")
}

func TestExtract_VideoAndSources(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><body>
		<video src="/clip.mp4"></video>
		<video><source src="/a.webm"><source src="/a.mp4"></video>
	</body></html>`)

	e := New(Config{Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Len(t, result.Media, 3)
	for _, m := range result.Media {
		require.Equal(t, scrape.MediaTypeVideo, m.Type)
	}
}

func TestExtract_OpenGraph(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><head>
		<meta property="og:image" content="https://cdn.example.com/y.jpg">
		<meta property="og:video" content="https://cdn.example.com/y.mp4">
		<meta property="og:title" content="ignored">
	</head><body></body></html>`)

	e := New(Config{Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Len(t, result.Media, 2)
	require.Equal(t, scrape.MediaTypeImage, result.Media[0].Type)
	require.Equal(t, "https://cdn.example.com/y.jpg", result.Media[0].URL)
	require.Equal(t, scrape.MediaTypeVideo, result.Media[1].Type)
}

func TestExtract_FiltersTrackers(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><body>
		<img src="https://www.google-analytics.com/collect.gif">
		<img src="/images/1x1.gif">
		<img src="data:image/png;base64,AAAA">
		<img src="/real.jpg">
	</body></html>`)

	e := New(Config{Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Len(t, result.Media, 1)
	require.Equal(t, srv.URL+"/real.jpg", result.Media[0].URL)
}

func TestExtract_ServerErrorFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{Timeout: 5 * time.Second})
	_, err := e.Extract(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestExtract_EmptyPageIsSuccess(t *testing.T) {
	t.Parallel()

	srv := serve(t, `<html><body><p>no media here</p></body></html>`)

	e := New(Config{Timeout: 5 * time.Second})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, result.Media)
}

func mediaURLs(result scrape.Result) []string {
	urls := make([]string, 0, len(result.Media))
	for _, m := range result.Media {
		urls = append(urls, m.URL)
	}
	return urls
}
