package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterCandidates_ResolvesAndDedupes(t *testing.T) {
	t.Parallel()

	items := FilterCandidates("https://example.com/page", []Candidate{
		{Ref: "/a.jpg", Type: MediaTypeImage},
		{Ref: "/a.jpg", Type: MediaTypeImage},
		{Ref: "b.jpg", Type: MediaTypeImage, Title: " hero "},
		{Ref: "https://example.com/a.jpg", Type: MediaTypeImage},
	})

	require.Len(t, items, 2)
	require.Equal(t, "https://example.com/a.jpg", items[0].URL)
	require.Equal(t, "https://example.com/b.jpg", items[1].URL)
	require.Equal(t, "hero", items[1].Title)
}

func TestFilterCandidates_RejectsSchemes(t *testing.T) {
	t.Parallel()

	items := FilterCandidates("https://example.com", []Candidate{
		{Ref: "data:image/png;base64,iVBOR", Type: MediaTypeImage},
		{Ref: "javascript:void(0)", Type: MediaTypeImage},
		{Ref: "ftp://example.com/a.jpg", Type: MediaTypeImage},
		{Ref: "https://example.com/ok.jpg", Type: MediaTypeImage},
	})

	require.Len(t, items, 1)
	require.Equal(t, "https://example.com/ok.jpg", items[0].URL)
}

func TestFilterCandidates_RejectsTrackers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ref  string
	}{
		{"analytics host", "https://www.google-analytics.com/collect.gif"},
		{"doubleclick host", "https://ad.doubleclick.net/img.png"},
		{"facebook beacon", "https://www.facebook.com/tr?id=1"},
		{"1x1 path", "https://cdn.example.com/images/1x1.gif"},
		{"pixel path", "https://cdn.example.com/tracking-pixel.png"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			items := FilterCandidates("https://example.com", []Candidate{
				{Ref: tc.ref, Type: MediaTypeImage},
			})
			require.Empty(t, items)
		})
	}
}

func TestSrcsetURLs(t *testing.T) {
	t.Parallel()

	urls := SrcsetURLs("/small.jpg 480w, /large.jpg 1080w,/mid.jpg 2x")
	require.Equal(t, []string{"/small.jpg", "/large.jpg", "/mid.jpg"}, urls)

	require.Empty(t, SrcsetURLs("  ,  "))
}
