// Package static implements scrape.Extractor with a plain HTTP fetch and
// HTML parse via the Colly collector.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

const maxRedirects = 5

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Extractor fetches a page once and collects media candidates from the
// static markup.
type Extractor struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Extractor{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Extract executes a single GET and returns the filtered media candidates.
func (e *Extractor) Extract(ctx context.Context, pageURL string) (scrape.Result, error) {
	var (
		candidates []scrape.Candidate
		body       []byte
		finalURL   = pageURL
		fetchErr   error
	)

	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	timeout := e.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(e.transport)
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	collector.OnHTML("img", func(el *colly.HTMLElement) {
		title := el.Attr("alt")
		if src := el.Attr("src"); src != "" {
			candidates = append(candidates, scrape.Candidate{Ref: src, Type: scrape.MediaTypeImage, Title: title})
		} else if dataSrc := el.Attr("data-src"); dataSrc != "" {
			candidates = append(candidates, scrape.Candidate{Ref: dataSrc, Type: scrape.MediaTypeImage, Title: title})
		}
		for _, ref := range scrape.SrcsetURLs(el.Attr("srcset")) {
			candidates = append(candidates, scrape.Candidate{Ref: ref, Type: scrape.MediaTypeImage, Title: title})
		}
	})

	collector.OnHTML("video", func(el *colly.HTMLElement) {
		if src := el.Attr("src"); src != "" {
			candidates = append(candidates, scrape.Candidate{Ref: src, Type: scrape.MediaTypeVideo, Title: el.Attr("title")})
		}
	})

	collector.OnHTML("video source", func(el *colly.HTMLElement) {
		if src := el.Attr("src"); src != "" {
			candidates = append(candidates, scrape.Candidate{Ref: src, Type: scrape.MediaTypeVideo})
		}
	})

	collector.OnHTML(`meta[property="og:image"], meta[property="og:video"]`, func(el *colly.HTMLElement) {
		content := el.Attr("content")
		if content == "" {
			return
		}
		mediaType := scrape.MediaTypeImage
		if el.Attr("property") == "og:video" {
			mediaType = scrape.MediaTypeVideo
		}
		candidates = append(candidates, scrape.Candidate{Ref: content, Type: mediaType})
	})

	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})

	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := e.visit(ctx, collector, pageURL, &fetchErr); err != nil {
		return scrape.Result{}, err
	}

	return scrape.Result{
		URL:         pageURL,
		Media:       scrape.FilterCandidates(finalURL, candidates),
		ScraperUsed: scrape.ScraperStatic,
		HTML:        body,
	}, nil
}

func (e *Extractor) visit(ctx context.Context, collector *colly.Collector, pageURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("static fetch failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("static response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
