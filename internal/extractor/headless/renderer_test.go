package headless

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

func TestNew_NavTimeoutDefault(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	t.Cleanup(r.Close)
	require.Equal(t, 30*time.Second, r.cfg.NavTimeout)

	r2 := New(Config{NavTimeout: time.Second}, zap.NewNop())
	t.Cleanup(r2.Close)
	require.Equal(t, time.Second, r2.cfg.NavTimeout)
}

func TestToCandidates(t *testing.T) {
	t.Parallel()

	got := toCandidates([]pageCandidate{
		{Ref: "/a.jpg", Type: "image", Title: "a"},
		{Ref: "/b.mp4", Type: "video"},
	})

	require.Equal(t, []scrape.Candidate{
		{Ref: "/a.jpg", Type: scrape.MediaTypeImage, Title: "a"},
		{Ref: "/b.mp4", Type: scrape.MediaTypeVideo},
	}, got)
}

func TestCollectScript_CoversRequiredSelectors(t *testing.T) {
	t.Parallel()

	for _, selector := range []string{`"img"`, `"video"`, `"video source"`, `og:image`, `og:video`, "srcset", "data-src"} {
		require.Contains(t, collectScript, selector)
	}
}
