package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher is one fetch engine. CanFetch reports whether the engine is able to
// attempt the URL at all (for example, a browser engine without a browser).
type Fetcher interface {
	Name() string
	CanFetch(url string) bool
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes and reads artifacts by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes notifications to Pub/Sub, NATS or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when a failed engine attempt is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// SourceTask is one unit of scrape work. Index is the position of the source
// in the selected list so results can be reassembled in registry order.
type SourceTask struct {
	Index  int
	Source Source
}

// Queue hands scrape tasks to workers.
type Queue interface {
	Enqueue(ctx context.Context, task SourceTask) error
	Dequeue(ctx context.Context) (SourceTask, error)
	Close()
}
