// Package deadletter records signing jobs the retry queue gave up on.
package deadletter

import (
	"context"
	"time"
)

// Letter is the durable trace of an abandoned signing job.
type Letter struct {
	JobID      string    `json:"job_id"`
	Digest     string    `json:"digest"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FailedAt   time.Time `json:"failed_at"`
}

// Sink persists letters.
type Sink interface {
	Record(ctx context.Context, letter Letter) error
}

// Lister reads back the most recent letters, newest first.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Letter, error)
}
