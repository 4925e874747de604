// Package archive stores raw HTML snapshots of successfully scraped pages
// so extractions can be replayed without refetching. Archiving is
// best-effort: failures are logged by the caller and never fail the item.
package archive

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Store writes page snapshots.
type Store interface {
	SavePage(ctx context.Context, jobID int64, pageURL string, html []byte) error
	Close() error
}

// ObjectName builds the snapshot path for a page.
func ObjectName(jobID int64, pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return fmt.Sprintf("pages/%d/%x.html", jobID, sum[:12])
}

// NoOp discards snapshots. Used when no archive bucket is configured.
type NoOp struct{}

// SavePage discards the snapshot.
func (NoOp) SavePage(context.Context, int64, string, []byte) error { return nil }

// Close is a no-op.
func (NoOp) Close() error { return nil }
