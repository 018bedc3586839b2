package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/modelgroup"
)

// ErrAllModelsExhausted is returned when every candidate in a model group
// failed for one logical request.
var ErrAllModelsExhausted = errors.New("all models in group exhausted")

// GroupResolver resolves a model group name into its candidate models.
type GroupResolver interface {
	Resolve(ctx context.Context, name string) ([]modelgroup.Candidate, error)
}

// CallRecorder attaches call outcomes to a job.
type CallRecorder interface {
	RecordCall(ctx context.Context, jobID, group string, out job.CallOutcome) error
}

// Invoker is the slice of the upstream client the proxy needs.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
	InvokeStream(ctx context.Context, req Request) (*Stream, error)
}

// MetricsRecorder is an optional interface for proxy-level metrics.
type MetricsRecorder interface {
	IncUpstreamCalls(group, model string, success bool)
	ObserveUpstreamDuration(group, model string, seconds float64)
	IncGroupExhausted(group string)
}

// Proxy routes one logical completion through a model group, falling back
// through candidates in priority order. Every attempt is recorded against
// the job, successful or not.
type Proxy struct {
	resolver GroupResolver
	upstream Invoker
	calls    CallRecorder
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewProxy creates a Proxy.
func NewProxy(resolver GroupResolver, upstream Invoker, calls CallRecorder, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		resolver: resolver,
		upstream: upstream,
		calls:    calls,
		logger:   logger,
	}
}

// SetMetrics sets the optional metrics recorder.
func (p *Proxy) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

// Complete performs a non-streaming completion for the job through the
// given model group. On success the result carries the model that actually
// answered; earlier failed attempts are already recorded by then.
func (p *Proxy) Complete(ctx context.Context, jobID, group, purpose string, req Request) (*Result, error) {
	candidates, err := p.resolver.Resolve(ctx, group)
	if err != nil {
		return nil, err
	}

	reqBody, _ := json.Marshal(req)

	var lastErr error
	for _, cand := range candidates {
		attempt := req
		attempt.Model = cand.Model

		res, err := p.upstream.Invoke(ctx, attempt)
		if err != nil {
			lastErr = err
			p.recordFailure(ctx, jobID, group, cand.Model, purpose, reqBody, err)
			p.logger.Warn("upstream attempt failed",
				"job_id", jobID, "group", group, "model", cand.Model, "error", err)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("attempting %s: %w", cand.Model, err)
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.IncUpstreamCalls(group, cand.Model, true)
			p.metrics.ObserveUpstreamDuration(group, cand.Model, res.Latency.Seconds())
		}
		respBody, _ := json.Marshal(map[string]string{"content": res.Content})
		if err := p.calls.RecordCall(ctx, jobID, group, job.CallOutcome{
			Model:            res.Model,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			Cost:             res.Cost,
			Latency:          res.Latency,
			Purpose:          purpose,
			Success:          true,
			Request:          reqBody,
			Response:         respBody,
		}); err != nil {
			return nil, fmt.Errorf("recording call: %w", err)
		}
		return res, nil
	}

	p.markExhausted(ctx, jobID, group, purpose, lastErr)
	return nil, fmt.Errorf("group %q: %w", group, ErrAllModelsExhausted)
}

// StreamSession is an in-flight streaming completion bound to a job. The
// outcome is recorded exactly once, whether the stream finishes, fails
// mid-way, or the consumer closes it early.
type StreamSession struct {
	Model  string
	stream *Stream
	finish func(success bool, errMsg string)
}

// Chunks returns the delta channel. Closed when the stream ends.
func (s *StreamSession) Chunks() <-chan Chunk { return s.stream.Chunks() }

// Err reports how the stream ended. Valid after Chunks is closed.
func (s *StreamSession) Err() error { return s.stream.Err() }

// Close finalizes the session and records the call. It must be called once
// the consumer is done with the chunk channel, on every path.
func (s *StreamSession) Close() {
	s.stream.Close()
	if err := s.stream.Err(); err != nil {
		s.finish(false, err.Error())
		return
	}
	s.finish(true, "")
}

// CompleteStream starts a streaming completion, falling back through the
// group's candidates until one accepts the stream. Failures after the
// stream has started do not fall back; they are recorded as failed calls
// when the session closes.
func (p *Proxy) CompleteStream(ctx context.Context, jobID, group, purpose string, req Request) (*StreamSession, error) {
	candidates, err := p.resolver.Resolve(ctx, group)
	if err != nil {
		return nil, err
	}

	reqBody, _ := json.Marshal(req)

	var lastErr error
	for _, cand := range candidates {
		attempt := req
		attempt.Model = cand.Model

		stream, err := p.upstream.InvokeStream(ctx, attempt)
		if err != nil {
			lastErr = err
			p.recordFailure(ctx, jobID, group, cand.Model, purpose, reqBody, err)
			p.logger.Warn("upstream stream attempt failed",
				"job_id", jobID, "group", group, "model", cand.Model, "error", err)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("attempting %s: %w", cand.Model, err)
			}
			continue
		}

		model := cand.Model
		var once sync.Once
		finish := func(success bool, errMsg string) {
			once.Do(func() {
				res := stream.Result()
				if p.metrics != nil {
					p.metrics.IncUpstreamCalls(group, model, success)
					p.metrics.ObserveUpstreamDuration(group, model, res.Latency.Seconds())
				}
				// Recording runs after the caller's request may be gone.
				rctx := context.WithoutCancel(ctx)
				if err := p.calls.RecordCall(rctx, jobID, group, job.CallOutcome{
					Model:            res.Model,
					PromptTokens:     res.Usage.PromptTokens,
					CompletionTokens: res.Usage.CompletionTokens,
					TotalTokens:      res.Usage.TotalTokens,
					Cost:             res.Cost,
					Latency:          res.Latency,
					Purpose:          purpose,
					Success:          success,
					Error:            errMsg,
					Request:          reqBody,
				}); err != nil {
					p.logger.Error("recording streamed call failed",
						"job_id", jobID, "group", group, "model", model, "error", err)
				}
			})
		}
		return &StreamSession{Model: model, stream: stream, finish: finish}, nil
	}

	p.markExhausted(ctx, jobID, group, purpose, lastErr)
	return nil, fmt.Errorf("group %q: %w", group, ErrAllModelsExhausted)
}

func (p *Proxy) recordFailure(ctx context.Context, jobID, group, model, purpose string, reqBody []byte, cause error) {
	if p.metrics != nil {
		p.metrics.IncUpstreamCalls(group, model, false)
	}
	if err := p.calls.RecordCall(ctx, jobID, group, job.CallOutcome{
		Model:   model,
		Purpose: purpose,
		Success: false,
		Error:   cause.Error(),
		Request: reqBody,
	}); err != nil {
		p.logger.Error("recording failed attempt",
			"job_id", jobID, "group", group, "model", model, "error", err)
	}
}

// markExhausted records the marker row for a logical request that ran out
// of candidates. The empty model distinguishes it from per-attempt rows.
func (p *Proxy) markExhausted(ctx context.Context, jobID, group, purpose string, lastErr error) {
	if p.metrics != nil {
		p.metrics.IncGroupExhausted(group)
	}
	msg := ErrAllModelsExhausted.Error()
	if lastErr != nil {
		msg = fmt.Sprintf("%s: last error: %v", msg, lastErr)
	}
	if err := p.calls.RecordCall(ctx, jobID, group, job.CallOutcome{
		Purpose: purpose,
		Success: false,
		Error:   msg,
	}); err != nil {
		p.logger.Error("recording exhaustion marker",
			"job_id", jobID, "group", group, "error", err)
	}
}
