package metering

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/alecgard/centime/internal/crypto"
	"github.com/alecgard/centime/internal/job"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]job.Call
	insertFn func(ctx context.Context, calls []job.Call) error
}

func (m *mockStore) InsertCalls(ctx context.Context, calls []job.Call) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, calls)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]job.Call, len(calls))
	copy(cp, calls)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleCall(model string) job.Call {
	return job.Call{
		JobID:       "job-1",
		TeamID:      "team-1",
		ModelGroup:  "chat-default",
		Model:       model,
		TotalTokens: 30,
		Success:     true,
		CreatedAt:   time.Now(),
	}
}

func TestRecorder_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 100, time.Hour) // large batch size, long interval

	r.Record(sampleCall("gpt-4o"))
	r.Record(sampleCall("gpt-4o-mini"))

	r.mu.Lock()
	bufLen := len(r.buffer)
	r.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}

	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int // number of total calls flushed
	}{
		{
			name:      "exact batch size triggers flush",
			batchSize: 3,
			records:   3,
			wantFlush: 3,
		},
		{
			name:      "under batch size does not flush",
			batchSize: 5,
			records:   3,
			wantFlush: 0,
		},
		{
			name:      "double batch size triggers two flushes",
			batchSize: 2,
			records:   4,
			wantFlush: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			r := NewRecorder(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				r.Record(sampleCall("gpt-4o"))
			}

			// Allow any concurrent flush goroutine to complete.
			time.Sleep(50 * time.Millisecond)

			got := ms.totalInserted()
			if got != tt.wantFlush {
				t.Errorf("expected %d flushed calls, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestRecorder_ExplicitFlush(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 100, time.Hour)

	r.Record(sampleCall("gpt-4o"))
	r.Record(sampleCall("gpt-4o"))

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ms.totalInserted() != 2 {
		t.Fatalf("expected 2 flushed calls, got %d", ms.totalInserted())
	}

	// Flushing an empty buffer is a no-op.
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if len(ms.batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(ms.batches))
	}
}

func TestRecorder_FlushFailureKeepsBatch(t *testing.T) {
	boom := errors.New("db down")
	failing := true
	ms := &mockStore{}
	ms.insertFn = func(ctx context.Context, calls []job.Call) error {
		if failing {
			return boom
		}
		ms.insertFn = nil
		return ms.InsertCalls(ctx, calls)
	}
	r := NewRecorder(ms, 100, time.Hour)

	r.Record(sampleCall("gpt-4o"))
	if err := r.Flush(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected flush error, got %v", err)
	}

	failing = false
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if ms.totalInserted() != 1 {
		t.Fatalf("expected the failed batch to be retried, got %d inserted", ms.totalInserted())
	}
}

func TestRecorder_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Start(ctx)

	r.Record(sampleCall("gpt-4o"))
	r.Record(sampleCall("gpt-4o-mini"))
	r.Record(sampleCall("claude-3-5-haiku"))

	// Stop triggers a final flush.
	r.Stop()

	// Give the goroutine a moment to process the final flush.
	time.Sleep(100 * time.Millisecond)

	got := ms.totalInserted()
	if got != 3 {
		t.Fatalf("expected 3 calls after Stop, got %d", got)
	}
}

func TestRecorder_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Start(ctx)

	r.Record(sampleCall("gpt-4o"))

	// Wait for the flush interval to fire.
	time.Sleep(200 * time.Millisecond)

	got := ms.totalInserted()
	if got != 1 {
		t.Fatalf("expected 1 call after timer flush, got %d", got)
	}

	r.Stop()
}

func TestRecorder_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(sampleCall("gpt-4o"))
		}()
	}
	wg.Wait()

	r.Stop()
	time.Sleep(100 * time.Millisecond)

	got := ms.totalInserted()
	if got != 50 {
		t.Fatalf("expected 50 calls, got %d", got)
	}
}

func TestRecorder_EncryptsPayloads(t *testing.T) {
	key := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ms := &mockStore{}
	r := NewRecorder(ms, 100, time.Hour)
	r.SetCipher(cipher)

	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	response := []byte(`{"content":"hello"}`)

	c := sampleCall("gpt-4o")
	c.Request = request
	c.Response = response
	r.Record(c)

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if ms.totalInserted() != 1 {
		t.Fatalf("expected 1 call inserted, got %d", ms.totalInserted())
	}
	stored := ms.batches[0][0]

	if bytes.Equal(stored.Request, request) {
		t.Error("stored request should be encrypted")
	}
	if bytes.Equal(stored.Response, response) {
		t.Error("stored response should be encrypted")
	}

	decReq, err := cipher.Decrypt(stored.Request)
	if err != nil {
		t.Fatalf("Decrypt request: %v", err)
	}
	if !bytes.Equal(decReq, request) {
		t.Errorf("decrypted request = %q, want %q", decReq, request)
	}
	decResp, err := cipher.Decrypt(stored.Response)
	if err != nil {
		t.Fatalf("Decrypt response: %v", err)
	}
	if !bytes.Equal(decResp, response) {
		t.Errorf("decrypted response = %q, want %q", decResp, response)
	}
}

func TestRecorder_NoCipherKeepsPayloads(t *testing.T) {
	ms := &mockStore{}
	r := NewRecorder(ms, 100, time.Hour)

	c := sampleCall("gpt-4o")
	c.Request = []byte(`{"messages":[]}`)
	r.Record(c)

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stored := ms.batches[0][0]
	if !bytes.Equal(stored.Request, c.Request) {
		t.Errorf("stored request = %q, want %q", stored.Request, c.Request)
	}
}
