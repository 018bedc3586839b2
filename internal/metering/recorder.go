package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/centime/internal/crypto"
	"github.com/alecgard/centime/internal/job"
)

// BatchInserter is the interface used by Recorder to persist call records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	InsertCalls(ctx context.Context, calls []job.Call) error
}

// Recorder buffers call records in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use. Flush is also the
// completion barrier: job summaries are only computed after a flush.
type Recorder struct {
	store         BatchInserter
	buffer        []job.Call
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	cipher        *crypto.Cipher
	done          chan struct{}
}

// NewRecorder creates a Recorder that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewRecorder(store BatchInserter, batchSize int, flushInterval time.Duration) *Recorder {
	return &Recorder{
		store:         store,
		buffer:        make([]job.Call, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start begins a background goroutine that flushes buffered calls on a
// timer. It blocks until Stop is called or the context is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.backgroundFlush()
		case <-ctx.Done():
			r.backgroundFlush()
			return
		case <-r.done:
			r.backgroundFlush()
			return
		}
	}
}

// SetCipher enables at-rest encryption of request and response payloads.
// A nil cipher leaves payloads as-is.
func (r *Recorder) SetCipher(c *crypto.Cipher) {
	r.cipher = c
}

// Record adds a call to the buffer. If the buffer reaches batchSize, a
// flush is triggered immediately.
func (r *Recorder) Record(c job.Call) {
	if enc, err := r.cipher.Encrypt(c.Request); err != nil {
		slog.Error("failed to encrypt call request payload", "job_id", c.JobID, "error", err)
		c.Request = nil
	} else {
		c.Request = enc
	}
	if enc, err := r.cipher.Encrypt(c.Response); err != nil {
		slog.Error("failed to encrypt call response payload", "job_id", c.JobID, "error", err)
		c.Response = nil
	} else {
		c.Response = enc
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, c)
	shouldFlush := len(r.buffer) >= r.batchSize
	r.mu.Unlock()

	if shouldFlush {
		r.backgroundFlush()
	}
}

// Flush drains all buffered calls and writes them to the store. Callers
// that need the barrier semantics (completion summaries) check the error;
// the background path logs instead.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.buffer
	r.buffer = make([]job.Call, 0, r.batchSize)
	r.mu.Unlock()

	if err := r.store.InsertCalls(ctx, batch); err != nil {
		// Put the batch back so a later flush can retry it.
		r.mu.Lock()
		r.buffer = append(batch, r.buffer...)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Recorder) backgroundFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.Flush(ctx); err != nil {
		slog.Error("failed to flush call records", "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (r *Recorder) Stop() {
	close(r.done)
}
