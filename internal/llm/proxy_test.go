package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/modelgroup"
)

type recordedCall struct {
	jobID string
	group string
	out   job.CallOutcome
}

type recorderSpy struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recorderSpy) RecordCall(_ context.Context, jobID, group string, out job.CallOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{jobID: jobID, group: group, out: out})
	return nil
}

func (r *recorderSpy) recorded() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedCall, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeResolver struct {
	groups map[string][]modelgroup.Candidate
}

func (f *fakeResolver) Resolve(_ context.Context, name string) ([]modelgroup.Candidate, error) {
	c, ok := f.groups[name]
	if !ok {
		return nil, fmt.Errorf("resolving %q: %w", name, modelgroup.ErrUnknownGroup)
	}
	return c, nil
}

// modelSwitchServer answers per model: models in the broken set get a 503,
// the rest get a normal completion (or stream).
func modelSwitchServer(t *testing.T, broken map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if broken[req.Model] {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprintf(w, "data: %s\n\n", deltaEvent(req.Model, "answer from "+req.Model))
			flusher.Flush()
			fmt.Fprintf(w, "data: %s\n\n", usageEvent(Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7}))
			flusher.Flush()
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, completionBody(req.Model, "answer from "+req.Model,
			Usage{PromptTokens: 8, CompletionTokens: 9, TotalTokens: 17}))
	}))
}

func newTestProxy(t *testing.T, srvURL string, groups map[string][]modelgroup.Candidate) (*Proxy, *recorderSpy) {
	t.Helper()
	rec := &recorderSpy{}
	client := NewClient(srvURL, "", 5*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxy(&fakeResolver{groups: groups}, client, rec, logger), rec
}

func TestCompleteFallback(t *testing.T) {
	srv := modelSwitchServer(t, map[string]bool{"model-a": true})
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {
			{Model: "model-a", Priority: 1},
			{Model: "model-b", Priority: 2},
		},
	})

	res, err := p.Complete(context.Background(), "job-1", "chat-default", "summarize", Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Content != "answer from model-b" {
		t.Errorf("expected fallback answer, got %q", res.Content)
	}

	calls := rec.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected one row per attempt (2), got %d", len(calls))
	}
	first, second := calls[0], calls[1]
	if first.out.Model != "model-a" || first.out.Success {
		t.Errorf("first attempt should be a recorded failure for model-a: %+v", first.out)
	}
	if !strings.Contains(first.out.Error, "503") {
		t.Errorf("expected upstream status in error, got %q", first.out.Error)
	}
	if second.out.Model != "model-b" || !second.out.Success {
		t.Errorf("second attempt should be a recorded success for model-b: %+v", second.out)
	}
	if second.out.TotalTokens != 17 {
		t.Errorf("expected usage on successful attempt, got %+v", second.out)
	}
	if first.group != "chat-default" || second.group != "chat-default" {
		t.Error("both rows must carry the group of the logical request")
	}
}

func TestCompleteFirstCandidateWins(t *testing.T) {
	srv := modelSwitchServer(t, nil)
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {
			{Model: "model-a", Priority: 1},
			{Model: "model-b", Priority: 2},
		},
	})

	res, err := p.Complete(context.Background(), "job-1", "chat-default", "", Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Content != "answer from model-a" {
		t.Errorf("expected first candidate answer, got %q", res.Content)
	}
	if calls := rec.recorded(); len(calls) != 1 {
		t.Fatalf("expected a single recorded call, got %d", len(calls))
	}
}

func TestCompleteAllExhausted(t *testing.T) {
	srv := modelSwitchServer(t, map[string]bool{"model-a": true, "model-b": true})
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {
			{Model: "model-a", Priority: 1},
			{Model: "model-b", Priority: 2},
		},
	})

	_, err := p.Complete(context.Background(), "job-1", "chat-default", "", Request{})
	if !errors.Is(err, ErrAllModelsExhausted) {
		t.Fatalf("expected ErrAllModelsExhausted, got %v", err)
	}

	calls := rec.recorded()
	if len(calls) != 3 {
		t.Fatalf("expected 2 attempt rows plus the marker, got %d", len(calls))
	}
	marker := calls[2]
	if marker.out.Model != "" {
		t.Errorf("marker row must have empty model, got %q", marker.out.Model)
	}
	if marker.out.Success || marker.out.Error == "" {
		t.Errorf("marker row must be a failure with a message: %+v", marker.out)
	}
}

func TestCompleteUnknownGroup(t *testing.T) {
	srv := modelSwitchServer(t, nil)
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{})

	_, err := p.Complete(context.Background(), "job-1", "nope", "", Request{})
	if !errors.Is(err, modelgroup.ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if calls := rec.recorded(); len(calls) != 0 {
		t.Fatalf("unknown group must record nothing, got %d rows", len(calls))
	}
}

func TestCompleteStreamFallback(t *testing.T) {
	srv := modelSwitchServer(t, map[string]bool{"model-a": true})
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {
			{Model: "model-a", Priority: 1},
			{Model: "model-b", Priority: 2},
		},
	})

	session, err := p.CompleteStream(context.Background(), "job-1", "chat-default", "chat", Request{})
	if err != nil {
		t.Fatalf("complete stream: %v", err)
	}
	if session.Model != "model-b" {
		t.Errorf("expected stream on model-b, got %s", session.Model)
	}

	var got strings.Builder
	for chunk := range session.Chunks() {
		got.WriteString(chunk.Delta)
	}
	session.Close()

	if got.String() != "answer from model-b" {
		t.Errorf("unexpected streamed content %q", got.String())
	}

	calls := rec.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected failed attempt plus streamed success, got %d rows", len(calls))
	}
	if calls[0].out.Model != "model-a" || calls[0].out.Success {
		t.Errorf("first row should be the failed attempt: %+v", calls[0].out)
	}
	final := calls[1].out
	if final.Model != "model-b" || !final.Success {
		t.Errorf("final row should be the streamed success: %+v", final)
	}
	if final.TotalTokens != 7 {
		t.Errorf("expected streamed usage recorded, got %+v", final)
	}
}

func TestCompleteStreamMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", deltaEvent("model-a", "partial"))
		flusher.Flush()
		fmt.Fprint(w, "data: {broken\n\n")
	}))
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {{Model: "model-a", Priority: 1}},
	})

	session, err := p.CompleteStream(context.Background(), "job-1", "chat-default", "", Request{})
	if err != nil {
		t.Fatalf("complete stream: %v", err)
	}
	for range session.Chunks() {
	}
	session.Close()

	calls := rec.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one recorded call, got %d", len(calls))
	}
	out := calls[0].out
	if out.Success {
		t.Error("mid-stream failure must be recorded as unsuccessful")
	}
	if out.Error == "" {
		t.Error("expected error message on recorded call")
	}
	if out.Model != "model-a" {
		t.Errorf("expected model on recorded call, got %q", out.Model)
	}
}

func TestCompleteStreamCancelRecords(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", deltaEvent("model-a", "early"))
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {{Model: "model-a", Priority: 1}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	session, err := p.CompleteStream(ctx, "job-1", "chat-default", "", Request{})
	if err != nil {
		cancel()
		t.Fatalf("complete stream: %v", err)
	}

	<-started
	cancel()
	session.Close()

	calls := rec.recorded()
	if len(calls) != 1 {
		t.Fatalf("canceled stream must still record its call, got %d rows", len(calls))
	}
	if calls[0].out.Success {
		t.Error("canceled stream must be recorded as unsuccessful")
	}
}

func TestCompleteStreamCloseIdempotent(t *testing.T) {
	srv := modelSwitchServer(t, nil)
	defer srv.Close()

	p, rec := newTestProxy(t, srv.URL, map[string][]modelgroup.Candidate{
		"chat-default": {{Model: "model-a", Priority: 1}},
	})

	session, err := p.CompleteStream(context.Background(), "job-1", "chat-default", "", Request{})
	if err != nil {
		t.Fatalf("complete stream: %v", err)
	}
	for range session.Chunks() {
	}
	session.Close()
	session.Close()

	if calls := rec.recorded(); len(calls) != 1 {
		t.Fatalf("repeated Close must record once, got %d rows", len(calls))
	}
}
