package scrape

import (
	"context"
	"time"
)

// DeadLetter is the record emitted when a queue item exhausts its attempts.
type DeadLetter struct {
	QueueItemID  string    `json:"queue_item_id"`
	JobID        int64     `json:"job_id"`
	URL          string    `json:"url"`
	Attempts     int       `json:"attempts"`
	ErrorMessage string    `json:"error_message"`
	Stack        string    `json:"stack"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeadLetterSink receives dead-letter records. Emission is best-effort and
// must never fail the failing item further.
type DeadLetterSink interface {
	Emit(ctx context.Context, record DeadLetter)
}
