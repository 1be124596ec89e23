package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize triggers a flush when this many records are pending.
	DefaultBatchSize = 10

	// DefaultFlushInterval bounds how long an idle record waits unflushed.
	DefaultFlushInterval = 30 * time.Second

	// DefaultEmbedConcurrency caps simultaneous in-flight embedding calls
	// during a flush.
	DefaultEmbedConcurrency = 4

	// maxBatchInsertAttempts is how many bulk-insert cycles a record may fail
	// as part of a batch before it is retried one at a time, so a single bad
	// row cannot hold the rest of its batch hostage.
	maxBatchInsertAttempts = 3

	// maxSoloInsertAttempts is how many per-record insert failures a record
	// may accumulate while other inserts in the same cycle succeed before it
	// is dropped as unpersistable. Failures during a full outage (nothing in
	// the cycle succeeded) never count; acknowledged records ride out an
	// outage of any length.
	maxSoloInsertAttempts = 3

	// drainTimeout bounds the final flush during shutdown.
	drainTimeout = 30 * time.Second
)

// Embedder resolves text to a vector. Satisfied by embedding.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Store persists flushed batches. Satisfied by PGStore.
type Store interface {
	InsertBatch(ctx context.Context, records []*Record) error
}

// Recorder receives operation timings. Satisfied by monitor.Monitor.
type Recorder interface {
	Record(operation string, duration time.Duration, success bool)
}

// Options tunes an Optimizer. Zero values select defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Concurrency   int
	Recorder      Recorder
}

// Optimizer accepts conversation records synchronously and flushes them in
// batches from a single background goroutine. Queue never touches the
// embedding provider or the database; all downstream failures are absorbed
// by the flush path and surface only through logs and the Recorder.
//
// Optimizer is safe for concurrent use.
type Optimizer struct {
	store    Store
	embedder Embedder
	recorder Recorder
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	concurrency   int

	mu        sync.Mutex
	pending   []*Record
	retryWait bool

	kick   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewOptimizer creates an Optimizer. store and embedder are required.
func NewOptimizer(store Store, embedder Embedder, opts Options, logger *slog.Logger) (*Optimizer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultEmbedConcurrency
	}

	return &Optimizer{
		store:         store,
		embedder:      embedder,
		recorder:      opts.Recorder,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		concurrency:   concurrency,
		kick:          make(chan struct{}, 1),
	}, nil
}

// Queue validates the input and appends it to the pending list. It returns
// the assigned record ID immediately; embedding and persistence happen in
// the background. The only error Queue returns is a *ValidationError.
func (o *Optimizer) Queue(in Input) (uuid.UUID, error) {
	if err := in.Validate(); err != nil {
		return uuid.Nil, err
	}

	rec := newRecord(in)

	o.mu.Lock()
	o.pending = append(o.pending, rec)
	reached := len(o.pending) >= o.batchSize
	o.mu.Unlock()

	if reached {
		select {
		case o.kick <- struct{}{}:
		default: // a flush signal is already queued
		}
	}

	return rec.ID, nil
}

// Pending returns the number of records awaiting flush.
func (o *Optimizer) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Start launches the background flusher. It returns an error if the
// Optimizer is already running.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return fmt.Errorf("optimizer already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.run(runCtx)
	return nil
}

// Stop cancels the flusher and waits for the final drain to complete.
// In-flight and pending records are flushed with a bounded grace period
// rather than aborted.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.cancel = nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Optimizer) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			o.flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			o.flush(ctx)
		case <-o.kick:
			if o.waitingRetry() {
				// A failed insert is waiting for the timer; enqueue
				// pressure must not turn the retry into a hot loop.
				continue
			}
			o.flush(ctx)
			ticker.Reset(o.flushInterval)
		}
	}
}

// flush embeds and persists everything currently pending. Records whose
// embedding fails after retries are inserted degraded (null vector, flagged
// for reprocessing) rather than dropped. The bulk insert preserves enqueue
// order within the batch.
func (o *Optimizer) flush(ctx context.Context) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	o.retryWait = false
	o.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for _, rec := range batch {
		if rec.Embedding != nil || rec.NeedsEmbedding {
			continue // already embedded on an earlier insert attempt
		}
		g.Go(func() error {
			vec, err := o.embedder.Embed(ctx, rec.EmbedText())
			if err != nil {
				o.logger.Warn("embedding failed, inserting degraded record",
					"record_id", rec.ID, "error", err)
				rec.NeedsEmbedding = true
				return nil
			}
			rec.Embedding = &vec
			return nil
		})
	}
	_ = g.Wait() // per-record failures degrade, they never abort the batch

	// Records that kept failing as part of a batch are retried one at a time.
	fresh := make([]*Record, 0, len(batch))
	var suspects []*Record
	for _, rec := range batch {
		if rec.insertAttempts >= maxBatchInsertAttempts {
			suspects = append(suspects, rec)
		} else {
			fresh = append(fresh, rec)
		}
	}

	inserted := false
	if len(fresh) > 0 {
		err := o.store.InsertBatch(ctx, fresh)
		o.record("conversation.flush", time.Since(start), err == nil)
		if err != nil {
			o.logger.Error("batch insert failed", "count", len(fresh), "error", err)
			o.requeue(fresh)
		} else {
			inserted = true
			o.logger.Debug("flushed conversation batch", "count", len(fresh),
				"duration", time.Since(start))
		}
	}

	o.insertSuspects(ctx, suspects, inserted)
}

// insertSuspects persists records that exhausted their batch attempts, one
// record per insert so the innocents of a repeatedly failing batch land even
// when one row cannot. A solo failure counts against the record only when
// some other insert in the same cycle succeeded; if everything failed the
// database is treated as unavailable and every record is kept for the next
// timer retry.
func (o *Optimizer) insertSuspects(ctx context.Context, suspects []*Record, anySucceeded bool) {
	if len(suspects) == 0 {
		return
	}

	var failed []*Record
	for _, rec := range suspects {
		if err := o.store.InsertBatch(ctx, []*Record{rec}); err != nil {
			o.logger.Warn("single-record insert failed",
				"record_id", rec.ID, "error", err)
			failed = append(failed, rec)
			continue
		}
		anySucceeded = true
	}
	if len(failed) == 0 {
		return
	}

	if !anySucceeded {
		o.prepend(failed)
		return
	}

	keep := failed[:0]
	dropped := 0
	for _, rec := range failed {
		rec.soloFailures++
		if rec.soloFailures >= maxSoloInsertAttempts {
			dropped++
			o.logger.Error("dropping unpersistable record",
				"record_id", rec.ID, "solo_failures", rec.soloFailures)
			continue
		}
		keep = append(keep, rec)
	}
	if dropped > 0 {
		o.record("conversation.dropped", 0, false)
	}
	if len(keep) > 0 {
		o.prepend(keep)
	}
}

// requeue returns a failed batch to the head of the pending list so the next
// timer flush retries the insert. Acknowledged records are never dropped
// here; the attempt count only routes a repeatedly failing record to the
// per-record insert path.
func (o *Optimizer) requeue(batch []*Record) {
	for _, rec := range batch {
		rec.insertAttempts++
	}
	o.prepend(batch)
}

func (o *Optimizer) prepend(batch []*Record) {
	o.mu.Lock()
	o.pending = append(batch, o.pending...)
	o.retryWait = true
	o.mu.Unlock()
}

func (o *Optimizer) waitingRetry() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryWait
}

func (o *Optimizer) record(op string, d time.Duration, success bool) {
	if o.recorder != nil {
		o.recorder.Record(op, d, success)
	}
}
