package scrape

import (
	"net/url"
	"strings"
)

// Candidate is a raw asset reference pulled out of a page before
// resolution and filtering.
type Candidate struct {
	Ref   string
	Type  MediaType
	Title string
}

// trackerHostSuffixes matches analytics and ad-beacon hosts.
var trackerHostSuffixes = []string{
	"google-analytics.com",
	"doubleclick.net",
}

// trackerURLMarkers matches beacon endpoints identified by host+path.
var trackerURLMarkers = []string{
	"facebook.com/tr",
}

// trackerPathMarkers matches tracking-pixel path heuristics.
var trackerPathMarkers = []string{
	"1x1",
	"pixel",
}

// FilterCandidates resolves each candidate against the page URL, drops
// non-http(s) schemes and known tracker assets, and de-duplicates by the
// resolved media URL preserving first occurrence.
func FilterCandidates(pageURL string, candidates []Candidate) []MediaItem {
	seen := make(map[string]struct{}, len(candidates))
	items := make([]MediaItem, 0, len(candidates))
	for _, c := range candidates {
		resolved, err := ResolveURL(c.Ref, pageURL)
		if err != nil {
			continue
		}
		if !keepMediaURL(resolved) {
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		items = append(items, MediaItem{
			URL:   resolved,
			Type:  c.Type,
			Title: strings.TrimSpace(c.Title),
		})
	}
	return items
}

func keepMediaURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range trackerHostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) || strings.Contains(host, suffix) {
			return false
		}
	}
	lowered := strings.ToLower(rawURL)
	for _, marker := range trackerURLMarkers {
		if strings.Contains(lowered, marker) {
			return false
		}
	}
	path := strings.ToLower(u.Path)
	for _, marker := range trackerPathMarkers {
		if strings.Contains(path, marker) {
			return false
		}
	}
	return true
}

// SrcsetURLs splits a srcset attribute into its URL entries: comma-split,
// first whitespace-delimited token of each entry.
func SrcsetURLs(srcset string) []string {
	parts := strings.Split(srcset, ",")
	urls := make([]string, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		urls = append(urls, fields[0])
	}
	return urls
}
