package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

type fakeExtractor struct {
	result scrape.Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (scrape.Result, error) {
	f.calls++
	return f.result, f.err
}

func resultWith(scraper string, n int) scrape.Result {
	media := make([]scrape.MediaItem, n)
	for i := range media {
		media[i] = scrape.MediaItem{URL: "https://example.com/a.jpg", Type: scrape.MediaTypeImage}
	}
	return scrape.Result{URL: "https://example.com", Media: media, ScraperUsed: scraper}
}

func TestRouter_StaticWinsAtThreshold(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{result: resultWith(scrape.ScraperStatic, 3)}
	dynamic := &fakeExtractor{result: resultWith(scrape.ScraperDynamic, 10)}
	r := NewRouter(static, dynamic, zap.NewNop())

	got, err := r.Extract(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.ScraperStatic, got.ScraperUsed)
	require.Zero(t, dynamic.calls)
}

func TestRouter_PromotesWhenYieldLow(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{result: resultWith(scrape.ScraperStatic, 0)}
	dynamic := &fakeExtractor{result: resultWith(scrape.ScraperDynamic, 5)}
	r := NewRouter(static, dynamic, zap.NewNop())

	got, err := r.Extract(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.ScraperDynamic, got.ScraperUsed)
	require.Len(t, got.Media, 5)
}

func TestRouter_KeepsStaticWhenRendererNoBetter(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{result: resultWith(scrape.ScraperStatic, 2)}
	dynamic := &fakeExtractor{result: resultWith(scrape.ScraperDynamic, 2)}
	r := NewRouter(static, dynamic, zap.NewNop())

	got, err := r.Extract(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.ScraperStatic, got.ScraperUsed)
	require.Equal(t, 1, dynamic.calls)
}

func TestRouter_SwallowsRendererError(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{result: resultWith(scrape.ScraperStatic, 1)}
	dynamic := &fakeExtractor{err: errors.New("browser crashed")}
	r := NewRouter(static, dynamic, zap.NewNop())

	got, err := r.Extract(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.ScraperStatic, got.ScraperUsed)
}

func TestRouter_StaticErrorPropagatesWhenRendererEmpty(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{err: errors.New("dns failure")}
	dynamic := &fakeExtractor{result: resultWith(scrape.ScraperDynamic, 0)}
	r := NewRouter(static, dynamic, zap.NewNop())

	_, err := r.Extract(context.Background(), "https://example.com")
	require.Error(t, err)
}

func TestRouter_NoRenderer(t *testing.T) {
	t.Parallel()

	static := &fakeExtractor{result: resultWith(scrape.ScraperStatic, 1)}
	r := NewRouter(static, nil, zap.NewNop())

	got, err := r.Extract(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.ScraperStatic, got.ScraperUsed)
}
