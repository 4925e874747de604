// Package deadletter provides sinks for permanently failed queue items.
// Records always land in the structured log; a Pub/Sub sink can fan them
// out for downstream processing.
package deadletter

import (
	"context"

	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

// Log emits dead-letter records as structured zap entries.
type Log struct {
	logger *zap.Logger
}

// NewLog builds the log sink.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Emit writes one structured record.
func (l *Log) Emit(_ context.Context, record scrape.DeadLetter) {
	metrics.ObserveDeadLetter()
	l.logger.Error("dead letter",
		zap.String("queue_item_id", record.QueueItemID),
		zap.Int64("job_id", record.JobID),
		zap.String("url", record.URL),
		zap.Int("attempts", record.Attempts),
		zap.String("error_message", record.ErrorMessage),
		zap.String("stack", record.Stack),
		zap.Time("timestamp", record.Timestamp),
	)
}

// Multi fans one record out to several sinks.
type Multi []scrape.DeadLetterSink

// Emit forwards to every sink.
func (m Multi) Emit(ctx context.Context, record scrape.DeadLetter) {
	for _, sink := range m {
		sink.Emit(ctx, record)
	}
}
