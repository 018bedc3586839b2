package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUpstreamCallFailed is returned when the provider rejects a call or
	// the transport fails.
	ErrUpstreamCallFailed = errors.New("upstream call failed")

	// ErrUpstreamTimeout is returned when a call exceeds the configured
	// upstream timeout.
	ErrUpstreamTimeout = errors.New("upstream call timed out")
)

// costHeader carries the provider-reported cost of a call, when present.
const costHeader = "X-Centime-Cost"

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an OpenAI-compatible chat completion request. The model is
// filled in per attempt by the caller, not by the client user.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result is the outcome of a single completed upstream call.
type Result struct {
	Model   string
	Content string
	Usage   Usage
	Cost    float64
	Latency time.Duration
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type streamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a client for the given base URL. The timeout bounds the
// whole non-streaming call; streaming calls are bounded by the caller's
// context instead.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// Invoke performs a non-streaming chat completion.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	req.Stream = false
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamCallFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUpstreamCallFailed, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrUpstreamCallFailed)
	}

	return &Result{
		Model:   cr.Model,
		Content: cr.Choices[0].Message.Content,
		Usage:   cr.Usage,
		Cost:    parseCost(resp.Header),
		Latency: latency,
	}, nil
}

// Chunk is one streamed completion delta. Usage is nil until the provider
// sends its final accounting event.
type Chunk struct {
	Delta string
	Usage *Usage
}

// Stream is an in-flight streaming completion. Chunks must be drained; the
// channel is closed when the stream ends. After the channel closes, Err
// reports how it ended and Result returns the accumulated outcome.
type Stream struct {
	chunks chan Chunk
	body   io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc

	model   string
	cost    float64
	started time.Time

	content strings.Builder
	usage   Usage
	err     error
}

// streamBuffer bounds how far the reader goroutine can run ahead of the
// consumer.
const streamBuffer = 16

// InvokeStream starts a streaming chat completion. The returned stream stays
// open until the provider finishes, the context is canceled, or Close is
// called.
func (c *Client) InvokeStream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	// The shared client carries a whole-call timeout which would kill long
	// streams, so streaming uses a transport-only client.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamCallFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s := &Stream{
		chunks:  make(chan Chunk, streamBuffer),
		body:    resp.Body,
		ctx:     ctx,
		cancel:  cancel,
		model:   req.Model,
		cost:    parseCost(resp.Header),
		started: start,
	}
	go s.consume()
	return s, nil
}

func (s *Stream) consume() {
	defer close(s.chunks)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			s.err = fmt.Errorf("%w: decoding stream event: %v", ErrUpstreamCallFailed, err)
			return
		}
		if ev.Model != "" {
			s.model = ev.Model
		}

		chunk := Chunk{}
		if len(ev.Choices) > 0 {
			chunk.Delta = ev.Choices[0].Delta.Content
			s.content.WriteString(chunk.Delta)
		}
		if ev.Usage != nil {
			s.usage = *ev.Usage
			chunk.Usage = ev.Usage
		}
		if chunk.Delta == "" && chunk.Usage == nil {
			continue
		}
		select {
		case s.chunks <- chunk:
		case <-s.ctx.Done():
			s.err = classifyError(s.ctx.Err())
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.err = classifyError(err)
	}
}

// Chunks returns the delta channel.
func (s *Stream) Chunks() <-chan Chunk { return s.chunks }

// Err reports how the stream ended. Valid after Chunks is closed.
func (s *Stream) Err() error { return s.err }

// Result returns the accumulated outcome. Valid after Chunks is closed.
func (s *Stream) Result() *Result {
	return &Result{
		Model:   s.model,
		Content: s.content.String(),
		Usage:   s.usage,
		Cost:    s.cost,
		Latency: time.Since(s.started),
	}
}

// Close aborts the stream. Safe to call after normal completion.
func (s *Stream) Close() {
	s.cancel()
	for range s.chunks {
	}
}

func parseCost(h http.Header) float64 {
	raw := h.Get(costHeader)
	if raw == "" {
		return 0
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil || cost < 0 {
		return 0
	}
	return cost
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamCallFailed, err)
}
