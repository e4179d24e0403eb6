// Package ingest drives historical journey collection from the source into
// the delay history store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/transit"
)

// ErrTooManyWriteFailures aborts a run after consecutive failed batches.
var ErrTooManyWriteFailures = errors.New("too many consecutive batch write failures")

const DefaultBatchSize = 100

// BatchResult describes one flushed batch.
type BatchResult struct {
	ServiceID int64
	Batch     int
	Size      int
	Inserted  int
	Updated   int
	Attempts  int
	Duration  time.Duration
	// Err is set when the batch was given up on; its facts were dropped.
	Err error
}

type BatcherOptions struct {
	Size  int
	Pause time.Duration
	// WriteRetries is the number of extra attempts for a failed batch.
	WriteRetries int
	RetryBackoff time.Duration
	// MaxConsecutiveFailures aborts after this many failed batches in a
	// row; 0 never aborts.
	MaxConsecutiveFailures int
	OnBatch                func(BatchResult)
}

// Totals accumulates batch outcomes over the life of a Batcher.
type Totals struct {
	Batches       int
	FailedBatches int
	Inserted      int
	Updated       int
	Dropped       int
}

// Batcher groups stop facts into fixed-size bulk upserts. Each flush is one
// store write; batches are written in the order facts were added. A Batcher
// is not safe for concurrent use.
type Batcher struct {
	store history.FactStore
	opts  BatcherOptions

	serviceID           int64
	buf                 []transit.StopFact
	totals              Totals
	consecutiveFailures int
}

func NewBatcher(store history.FactStore, opts BatcherOptions) *Batcher {
	if opts.Size <= 0 {
		opts.Size = DefaultBatchSize
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Batcher{store: store, opts: opts, buf: make([]transit.StopFact, 0, opts.Size)}
}

// SetService labels subsequent batch results with a service id.
func (b *Batcher) SetService(id int64) { b.serviceID = id }

func (b *Batcher) Totals() Totals { return b.totals }

// Add buffers facts, flushing whenever the buffer reaches the batch size.
func (b *Batcher) Add(ctx context.Context, facts ...transit.StopFact) error {
	for _, f := range facts {
		b.buf = append(b.buf, f)
		if len(b.buf) >= b.opts.Size {
			if err := b.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes any buffered facts as one batch, pausing first if an earlier
// batch was already written. A batch that still fails after retries is
// reported and dropped; Flush only returns an error when the context ends or
// the consecutive failure limit is reached.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if b.totals.Batches > 0 && b.opts.Pause > 0 {
		if err := sleepCtx(ctx, b.opts.Pause); err != nil {
			return err
		}
	}
	batch := b.buf
	b.buf = make([]transit.StopFact, 0, b.opts.Size)
	b.totals.Batches++

	start := time.Now()
	res, attempts, err := b.write(ctx, batch)
	result := BatchResult{
		ServiceID: b.serviceID,
		Batch:     b.totals.Batches,
		Size:      len(batch),
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Attempts:  attempts,
		Duration:  time.Since(start),
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		werr := &history.WriteError{Batch: result.Batch, Size: len(batch), Err: err}
		result.Err = werr
		b.totals.FailedBatches++
		b.totals.Dropped += len(batch)
		b.consecutiveFailures++
		log.Printf("service %d: batch %d dropped after %d attempts: %v", b.serviceID, result.Batch, attempts, err)
		b.report(result)
		if b.opts.MaxConsecutiveFailures > 0 && b.consecutiveFailures >= b.opts.MaxConsecutiveFailures {
			return fmt.Errorf("%w (%d in a row): %w", ErrTooManyWriteFailures, b.consecutiveFailures, werr)
		}
		return nil
	}
	b.consecutiveFailures = 0
	b.totals.Inserted += res.Inserted
	b.totals.Updated += res.Updated
	log.Printf("service %d: batch %d: %d inserted, %d updated", b.serviceID, result.Batch, res.Inserted, res.Updated)
	b.report(result)
	return nil
}

func (b *Batcher) report(r BatchResult) {
	if b.opts.OnBatch != nil {
		b.opts.OnBatch(r)
	}
}

func (b *Batcher) write(ctx context.Context, batch []transit.StopFact) (history.UpsertResult, int, error) {
	attempts := 0
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.opts.RetryBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	retries := b.opts.WriteRetries
	if retries < 0 {
		retries = 0
	}
	res, err := backoff.RetryNotifyWithData(
		func() (history.UpsertResult, error) {
			attempts++
			return b.store.BulkUpsert(ctx, batch)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx),
		func(err error, d time.Duration) {
			log.Printf("service %d: batch write failed, retrying in %s: %v", b.serviceID, d.Round(time.Millisecond), err)
		},
	)
	return res, attempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
