package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCS implements Store on a Google Cloud Storage bucket. Authentication is
// handled via Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS initializes the client and verifies bucket access, failing fast on
// misconfiguration.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("access gcs bucket %q: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// SavePage uploads the snapshot under pages/{job_id}/{url-hash}.html.
func (g *GCS) SavePage(ctx context.Context, jobID int64, pageURL string, html []byte) error {
	wc := g.client.Bucket(g.bucket).Object(ObjectName(jobID, pageURL)).NewWriter(ctx)
	wc.ContentType = "text/html; charset=utf-8"
	if _, err := wc.Write(html); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize snapshot: %w", err)
	}
	return nil
}

// Close releases the client.
func (g *GCS) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
