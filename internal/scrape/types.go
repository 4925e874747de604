// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// MediaType classifies an extracted asset.
type MediaType string

// Media type values persisted in the media table.
const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Scraper names recorded on extraction results.
const (
	ScraperStatic  = "static"
	ScraperDynamic = "dynamic"
)

// Job represents one user submission of a URL batch.
type Job struct {
	ID          int64      `json:"id"`
	UserID      *int64     `json:"user_id,omitempty"`
	URLs        []string   `json:"urls"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	MediaCount  int64      `json:"media_count"`
}

// Media is one extracted asset scoped to a job. (job_id, media_url) is
// unique; duplicate inserts are skipped.
type Media struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	SourceURL string    `json:"source_url"`
	MediaURL  string    `json:"media_url"`
	Type      MediaType `json:"type"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an authentication principal.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// MediaItem is an extraction candidate before persistence.
type MediaItem struct {
	URL   string    `json:"url"`
	Type  MediaType `json:"type"`
	Title string    `json:"title,omitempty"`
}

// Result is the outcome of extracting a single page.
type Result struct {
	URL         string      `json:"url"`
	Media       []MediaItem `json:"media"`
	ScraperUsed string      `json:"scraper_used"`
	HTML        []byte      `json:"-"`
}

// QueueItem is the unit of work carried by the job queue.
type QueueItem struct {
	ID       string `json:"id"`
	JobID    int64  `json:"job_id"`
	URL      string `json:"url"`
	Priority int64  `json:"priority"`
	Attempts int    `json:"attempts"`
	Stalls   int    `json:"stalls"`
}

// QueueStats is a point-in-time snapshot of queue depth.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"isPaused"`
}

// MediaFilter narrows media listings.
type MediaFilter struct {
	Page   int
	Limit  int
	Type   MediaType
	Search string
}

// MediaStats aggregates media counts for the stats endpoint.
type MediaStats struct {
	Total   int64 `json:"total"`
	Images  int64 `json:"images"`
	Videos  int64 `json:"videos"`
	Last24h int64 `json:"last24h"`
}
