package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// WriteFunc is a callback that performs database writes inside a transaction.
type WriteFunc func(ctx context.Context, tx *sql.Tx) error

// pendingWrite pairs a write with the hook run once its batch has committed.
type pendingWrite struct {
	write    WriteFunc
	onCommit func()
}

// BatchWriter is the single writer of a run. Submitted writes are grouped into
// batches and each batch is committed in its own transaction by one committer
// goroutine, so writes land in submission order.
type BatchWriter struct {
	mu          sync.Mutex
	buf         []pendingWrite
	cap         int
	flushTicker *time.Ticker
	closed      bool
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	commitCh chan []pendingWrite
	db       *sql.DB
	// OnError is called from the committer goroutine for every failed batch.
	OnError func(error)

	// firstErr stores the first asynchronous error seen by the writer. Protected by errMu.
	errMu    sync.Mutex
	firstErr error
	failed   int
}

// NewBatchWriter creates a new BatchWriter.
// db: the database connection to use for transactions.
// bufferSize: flush when buffer reaches this size; 1 commits every write on its own.
// flushInterval: flush after this duration (0 to disable).
func NewBatchWriter(db *sql.DB, bufferSize int, flushInterval time.Duration) *BatchWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	bw := &BatchWriter{
		buf:      make([]pendingWrite, 0, bufferSize),
		cap:      bufferSize,
		ctx:      ctx,
		cancel:   cancel,
		commitCh: make(chan []pendingWrite, 2),
		db:       db,
	}

	bw.wg.Add(1)
	go bw.committer()

	if flushInterval > 0 {
		bw.flushTicker = time.NewTicker(flushInterval)
		bw.wg.Add(1)
		go bw.loop()
	}
	return bw
}

// Submit enqueues a write function.
func (bw *BatchWriter) Submit(w WriteFunc) error {
	return bw.SubmitWithCommit(w, nil)
}

// SubmitWithCommit enqueues w and calls onCommit from the committer goroutine
// after the transaction holding w has committed. onCommit is never called
// for a write whose batch failed or was dropped.
func (bw *BatchWriter) SubmitWithCommit(w WriteFunc, onCommit func()) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrBatchWriterClosed
	}
	bw.buf = append(bw.buf, pendingWrite{write: w, onCommit: onCommit})
	if len(bw.buf) >= bw.cap {
		bw.flushLocked()
	}
	return nil
}

// flushLocked assumes bw.mu is held. A full commit queue blocks the caller,
// which is how backpressure reaches Submit.
func (bw *BatchWriter) flushLocked() {
	if len(bw.buf) == 0 {
		return
	}
	batch := bw.buf
	bw.buf = make([]pendingWrite, 0, bw.cap)

	select {
	case bw.commitCh <- batch:
	case <-bw.ctx.Done():
		bw.record(fmt.Errorf("batch writer: dropping batch of %d items due to context cancellation", len(batch)))
	}
}

func (bw *BatchWriter) committer() {
	defer bw.wg.Done()
	for batch := range bw.commitCh {
		if err := bw.executeBatch(batch); err != nil {
			bw.record(err)
			continue
		}
		for _, p := range batch {
			if p.onCommit != nil {
				p.onCommit()
			}
		}
	}
}

func (bw *BatchWriter) record(err error) {
	bw.errMu.Lock()
	if bw.firstErr == nil {
		bw.firstErr = err
	}
	bw.failed++
	bw.errMu.Unlock()
	if bw.OnError != nil {
		bw.OnError(err)
	}
}

func (bw *BatchWriter) executeBatch(batch []pendingWrite) error {
	// Without a DB (tests) callbacks run with a nil tx.
	if bw.db == nil {
		for _, p := range batch {
			if err := p.write(bw.ctx, nil); err != nil {
				return err
			}
		}
		return nil
	}

	// Background context so a closing writer still commits what it accepted.
	ctx := context.Background()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ignored if committed
	}()

	for _, p := range batch {
		if err := p.write(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch (%d items): %w", len(batch), err)
	}
	return nil
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	for {
		select {
		case <-bw.ctx.Done():
			return
		case <-bw.flushTicker.C:
			bw.mu.Lock()
			bw.flushLocked()
			bw.mu.Unlock()
		}
	}
}

// Failed reports how many batches failed so far.
func (bw *BatchWriter) Failed() int {
	bw.errMu.Lock()
	defer bw.errMu.Unlock()
	return bw.failed
}

// Close stops accepting submissions, commits what is buffered and returns the
// first asynchronous error, if any.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrBatchWriterClosed
	}
	bw.closed = true
	if bw.flushTicker != nil {
		bw.flushTicker.Stop()
	}
	bw.flushLocked()
	bw.mu.Unlock()

	bw.cancel()        // Stop ticker loop
	close(bw.commitCh) // Stop committer loop
	bw.wg.Wait()

	bw.errMu.Lock()
	defer bw.errMu.Unlock()
	return bw.firstErr
}

var ErrBatchWriterClosed = &BatchWriterError{"batch writer closed"}

type BatchWriterError struct{ msg string }

func (e *BatchWriterError) Error() string { return e.msg }
