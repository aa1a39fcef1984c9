// Package snapshot ships visual snapshots to a comparison service or bucket
// without holding up the scenarios that take them.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Uploader stores one image under key.
type Uploader interface {
	Upload(ctx context.Context, key string, image []byte) error
}

// Recorder counts delivery outcomes: "uploaded", "failed" or "dropped".
type Recorder interface {
	SnapshotDelivered(result string)
}

type QueueOptions struct {
	Workers    int
	Size       int
	RatePerSec float64
	Timeout    time.Duration
}

func (o *QueueOptions) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Size < 1 {
		o.Size = 32
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
}

type job struct {
	key   string
	image []byte
}

// Queue uploads submitted snapshots on a fixed set of workers. Submit never
// blocks: when the queue is full the snapshot is dropped and counted.
type Queue struct {
	up      Uploader
	opts    QueueOptions
	limiter *rate.Limiter
	rec     Recorder
	logger  *zap.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewQueue(up Uploader, opts QueueOptions, logger *zap.Logger, rec Recorder) *Queue {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	q := &Queue{
		up:      up,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Workers),
		rec:     rec,
		logger:  logger,
		jobs:    make(chan job, opts.Size),
	}
	for range opts.Workers {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues image under label. It implements executor.SnapshotSink.
func (q *Queue) Submit(label string, image []byte) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.record("dropped")
		return
	}
	select {
	case q.jobs <- job{key: label, image: image}:
	default:
		q.logger.Warn("snapshot queue full, dropping", zap.String("label", label))
		q.record("dropped")
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
		err := q.limiter.Wait(ctx)
		if err == nil {
			err = q.up.Upload(ctx, j.key, j.image)
		}
		cancel()
		if err != nil {
			q.logger.Warn("snapshot upload failed", zap.String("label", j.key), zap.Error(err))
			q.record("failed")
			continue
		}
		q.logger.Debug("snapshot uploaded", zap.String("label", j.key), zap.Int("bytes", len(j.image)))
		q.record("uploaded")
	}
}

func (q *Queue) record(result string) {
	if q.rec != nil {
		q.rec.SnapshotDelivered(result)
	}
}

// Close stops accepting snapshots and waits for queued ones to finish or
// for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("snapshot queue: %w", ctx.Err())
	}
}
