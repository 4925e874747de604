// Package extractor routes pages between the static parser and the
// headless renderer.
package extractor

import (
	"context"

	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

// staticYieldThreshold approximates the boundary where a page is likely
// client-rendered: a static parse is ~10x cheaper, so it wins outright when
// it yields at least this many assets.
const staticYieldThreshold = 3

// Router implements scrape.Extractor by trying the static path first and
// promoting to the renderer when the static yield is low.
type Router struct {
	static  scrape.Extractor
	dynamic scrape.Extractor
	logger  *zap.Logger
}

// NewRouter builds a Router. dynamic may be nil when headless rendering is
// disabled; the static result is then always returned.
func NewRouter(static, dynamic scrape.Extractor, logger *zap.Logger) *Router {
	return &Router{
		static:  static,
		dynamic: dynamic,
		logger:  logger,
	}
}

// Extract runs the static extractor and falls back to the renderer when the
// static parse failed or yielded too little. Renderer errors are swallowed:
// the static result stands.
func (r *Router) Extract(ctx context.Context, pageURL string) (scrape.Result, error) {
	staticResult, staticErr := r.static.Extract(ctx, pageURL)
	if staticErr == nil && len(staticResult.Media) >= staticYieldThreshold {
		return staticResult, nil
	}
	if r.dynamic == nil {
		return staticResult, staticErr
	}

	dynamicResult, dynamicErr := r.dynamic.Extract(ctx, pageURL)
	if dynamicErr != nil {
		r.logger.Warn("headless fallback failed",
			zap.String("url", pageURL), zap.Error(dynamicErr))
		return staticResult, staticErr
	}
	if len(dynamicResult.Media) > len(staticResult.Media) {
		return dynamicResult, nil
	}
	return staticResult, staticErr
}
