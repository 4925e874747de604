package scrape

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL resolves a candidate reference against the page URL per RFC
// 3986. Absolute, protocol-relative, and relative references are all
// supported; the returned URL is always absolute.
func ResolveURL(candidate, pageURL string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", fmt.Errorf("empty candidate")
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("parse candidate: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// NormalizeURL standardizes a URL so that equivalent spellings compare equal.
// It lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters. Submission de-duplication (DedupeURLs)
// compares URLs exactly as given and does not call it.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ValidSubmissionURL reports whether a URL may be submitted for scraping.
func ValidSubmissionURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// DedupeURLs removes duplicates in order, preserving the first occurrence.
// It returns the deduplicated slice and the number of duplicates removed.
func DedupeURLs(urls []string) ([]string, int) {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, len(urls) - len(out)
}
