// Package headless implements scrape.Extractor with a headless browser via
// chromedp. One browser process is shared across concurrent pages and
// recycled periodically to bound memory drift.
package headless

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

// pagesPerBrowser is how many pages a browser serves before relaunch.
const pagesPerBrowser = 10

// lowMemBytes triggers a GC hint before a scrape.
const lowMemBytes = 350 << 20

// settleDelay lets lazy-loaded content attach after navigation.
const settleDelay = 2 * time.Second

// Config controls the behavior of the headless renderer.
type Config struct {
	Headless    bool
	BlockAssets bool
	UserAgent   string
	NavTimeout  time.Duration
}

// Renderer implements scrape.Extractor using chromedp and headless Chrome.
type Renderer struct {
	cfg    Config
	logger *zap.Logger

	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	pagesOpened   int
	inflight      sync.WaitGroup
}

// New creates a renderer. The browser itself is launched lazily on first
// use.
func New(cfg Config, logger *zap.Logger) *Renderer {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("single-process", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Extract renders the page in a fresh tab and collects media candidates
// from the live DOM.
func (r *Renderer) Extract(ctx context.Context, pageURL string) (scrape.Result, error) {
	r.maybeFreeMemory()

	browserCtx, err := r.acquireBrowser()
	if err != nil {
		return scrape.Result{}, err
	}
	defer r.inflight.Done()

	pageCtx, pageCancel := chromedp.NewContext(browserCtx)
	defer pageCancel()

	pageCtx, cancel := context.WithTimeout(pageCtx, r.cfg.NavTimeout)
	defer cancel()

	stopPage := context.AfterFunc(ctx, pageCancel)
	defer stopPage()

	if r.cfg.BlockAssets {
		r.blockAssetRequests(pageCtx)
	}

	var (
		rawCandidates []pageCandidate
		html          string
	)
	actions := []chromedp.Action{
		chromedp.EmulateViewport(1280, 720),
	}
	if r.cfg.BlockAssets {
		actions = append(actions, fetch.Enable())
	}
	actions = append(actions,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Evaluate(collectScript, &rawCandidates),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(pageCtx, actions...); err != nil {
		pageCancel()
		runtime.GC()
		return scrape.Result{}, fmt.Errorf("headless render: %w", err)
	}

	return scrape.Result{
		URL:         pageURL,
		Media:       scrape.FilterCandidates(pageURL, toCandidates(rawCandidates)),
		ScraperUsed: scrape.ScraperDynamic,
		HTML:        []byte(html),
	}, nil
}

// acquireBrowser returns the shared browser context, launching or recycling
// it as needed. The caller must release via r.inflight.Done().
func (r *Renderer) acquireBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.pagesOpened >= pagesPerBrowser {
		// Restart barrier: wait for in-flight pages before recycling.
		r.inflight.Wait()
		r.browserCancel()
		r.browserCtx = nil
		r.pagesOpened = 0
		runtime.GC()
		metrics.ObserveBrowserRestart()
		r.logger.Info("recycling headless browser", zap.Int("pages_served", pagesPerBrowser))
	}

	if r.browserCtx == nil {
		browserCtx, browserCancel := chromedp.NewContext(r.allocator)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		r.browserCtx = browserCtx
		r.browserCancel = browserCancel
	}

	r.pagesOpened++
	r.inflight.Add(1)
	return r.browserCtx, nil
}

// blockAssetRequests aborts stylesheet and font loads. Images are left
// alone: extraction depends on the DOM's <img> elements.
func (r *Renderer) blockAssetRequests(pageCtx context.Context) {
	chromedp.ListenTarget(pageCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(pageCtx)
			execCtx := cdp.WithExecutor(pageCtx, c.Target)
			switch paused.ResourceType {
			case network.ResourceTypeStylesheet, network.ResourceTypeFont:
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			default:
				_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
			}
		}()
	})
}

// maybeFreeMemory issues a GC hint when resident heap is high.
func (r *Renderer) maybeFreeMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc > lowMemBytes {
		r.logger.Warn("low memory before render",
			zap.Float64("heap_mb", float64(stats.HeapAlloc)/1024/1024))
		runtime.GC()
	}
}

// Close shuts down the browser and allocator.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCtx = nil
	}
	r.allocCancel()
}

// pageCandidate mirrors the objects produced by collectScript.
type pageCandidate struct {
	Ref   string `json:"ref"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

func toCandidates(raw []pageCandidate) []scrape.Candidate {
	candidates := make([]scrape.Candidate, 0, len(raw))
	for _, c := range raw {
		candidates = append(candidates, scrape.Candidate{
			Ref:   c.Ref,
			Type:  scrape.MediaType(c.Type),
			Title: c.Title,
		})
	}
	return candidates
}

// collectScript gathers raw media references from the rendered DOM. The
// same resolution and filter rules as the static path apply afterwards in
// Go.
const collectScript = `(() => {
	const out = [];
	const push = (ref, type, title) => {
		if (ref) out.push({ ref, type, title: title || "" });
	};
	document.querySelectorAll("img").forEach((img) => {
		push(img.getAttribute("src") || img.getAttribute("data-src"), "image", img.getAttribute("alt"));
		const srcset = img.getAttribute("srcset");
		if (srcset) {
			srcset.split(",").forEach((part) => {
				const url = part.trim().split(/\s+/)[0];
				push(url, "image", img.getAttribute("alt"));
			});
		}
	});
	document.querySelectorAll("video").forEach((v) => {
		push(v.getAttribute("src"), "video", v.getAttribute("title"));
	});
	document.querySelectorAll("video source").forEach((s) => {
		push(s.getAttribute("src"), "video");
	});
	document.querySelectorAll('meta[property="og:image"], meta[property="og:video"]').forEach((m) => {
		push(m.getAttribute("content"), m.getAttribute("property") === "og:video" ? "video" : "image");
	});
	return out;
})()`
