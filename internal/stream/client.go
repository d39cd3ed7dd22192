package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ConnectFailureText is the message shown in place of an assistant reply
// when the chat backend cannot be reached.
const ConnectFailureText = "Sorry, I couldn't connect to the chat service. Please try again."

// Filters narrows retrieval to specific knowledge sources.
type Filters struct {
	DataSources   []string `json:"data_sources,omitempty"`
	DocumentTypes []string `json:"document_types,omitempty"`
	Owners        []string `json:"owners,omitempty"`
}

// Options carries the optional fields of a chat request.
type Options struct {
	PreviousResponseID string
	Filters            *Filters
	Limit              int
	ScoreThreshold     float64
}

// Handlers receives the client's observable output. OnSnapshot is invoked
// with a fully-formed in-progress message after every chunk that changed
// state; exactly one of OnComplete / OnError fires per stream, and neither
// fires for a stream that was aborted or superseded. The response id passed
// to OnComplete is "" when no event in the stream carried one.
type Handlers struct {
	OnSnapshot func(Message)
	OnComplete func(final Message, responseID string)
	OnError    func(err error)
}

type chatRequest struct {
	Prompt             string   `json:"prompt"`
	Stream             bool     `json:"stream"`
	PreviousResponseID string   `json:"previous_response_id,omitempty"`
	Filters            *Filters `json:"filters,omitempty"`
	Limit              int      `json:"limit,omitempty"`
	ScoreThreshold     float64  `json:"scoreThreshold,omitempty"`
}

// Client streams chat responses from the backend. At most one stream is
// active at a time: starting a new stream cancels and silences the previous
// one. A generation counter, checked under the mutex at every observable
// effect, guarantees that a late-arriving chunk from a superseded stream
// can never touch the newer stream's state.
type Client struct {
	chatURL    string
	httpClient *http.Client
	handlers   Handlers

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	current    *Message
	loading    bool
}

// NewClient creates a streaming client for the given chat endpoint. The
// handlers are fixed for the lifetime of the client. The underlying HTTP
// client carries no timeout: a chat stream stays open as long as the model
// is producing tokens, and teardown is the caller's job via context or
// AbortStream.
func NewClient(chatURL string, handlers Handlers) *Client {
	return &Client{
		chatURL:    chatURL,
		httpClient: &http.Client{},
		handlers:   handlers,
	}
}

// NewClientWithTimeout is NewClient with a bound on how long the backend may
// take to start responding. The timeout covers connection and response
// headers only; an open stream is never cut off for being slow to finish.
func NewClientWithTimeout(chatURL string, handlers Handlers, headerTimeout time.Duration) *Client {
	c := NewClient(chatURL, handlers)
	if headerTimeout > 0 {
		c.httpClient.Transport = &http.Transport{ResponseHeaderTimeout: headerTimeout}
	}
	return c
}

// StartStream begins streaming a response for prompt. Any stream already in
// flight is cancelled first and will produce no further snapshots or
// callbacks. The method returns immediately; consumption happens on a
// background goroutine and is reported through the handlers.
func (c *Client) StartStream(ctx context.Context, prompt string, opts Options) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	gen := c.generation
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.current = nil
	c.loading = true
	c.mu.Unlock()

	go c.run(runCtx, gen, prompt, opts)
}

// AbortStream cancels the active stream, clears the in-progress snapshot and
// resets the loading flag. No callbacks fire for the aborted stream. Calling
// it with no stream active is a no-op.
func (c *Client) AbortStream() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.generation++
	}
	c.current = nil
	c.loading = false
	c.mu.Unlock()
}

// StreamingMessage returns the current in-progress message, or nil when no
// stream is active.
func (c *Client) StreamingMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	msg := *c.current
	return &msg
}

// IsLoading reports whether a stream is in flight.
func (c *Client) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Client) run(ctx context.Context, gen uint64, prompt string, opts Options) {
	body, err := json.Marshal(chatRequest{
		Prompt:             prompt,
		Stream:             true,
		PreviousResponseID: opts.PreviousResponseID,
		Filters:            opts.Filters,
		Limit:              opts.Limit,
		ScoreThreshold:     opts.ScoreThreshold,
	})
	if err != nil {
		c.fail(ctx, gen, fmt.Errorf("marshal chat request: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		c.fail(ctx, gen, fmt.Errorf("construct chat request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.fail(ctx, gen, fmt.Errorf("chat request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		c.fail(ctx, gen, fmt.Errorf("chat request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
		return
	}

	transcript := NewTranscript()
	var frames lineBuffer
	buf := make([]byte, 4096)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			changed := false
			for _, line := range frames.split(buf[:n]) {
				if transcript.Apply(parseLine(line)) {
					changed = true
				}
			}
			if changed {
				c.publish(gen, transcript.Snapshot())
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if rest := frames.rest(); len(rest) > 0 && transcript.Apply(parseLine(rest)) {
				c.publish(gen, transcript.Snapshot())
			}
			c.complete(gen, transcript)
			return
		}
		c.fail(ctx, gen, fmt.Errorf("read chat stream: %w", readErr))
		return
	}
}

// parseLine turns one raw line into an event. Blank lines and lines that are
// not valid JSON yield an unrecognized event; a malformed line is logged and
// skipped, never fatal to the stream.
func parseLine(line []byte) Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{Kind: EventUnrecognized}
	}

	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		slog.Debug("skipping malformed stream line", "error", err, "line_bytes", len(trimmed))
		return Event{Kind: EventUnrecognized}
	}
	return classifyEvent(payload)
}

// publish pushes a snapshot, unless the stream has been superseded.
func (c *Client) publish(gen uint64, snapshot Message) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	msg := snapshot
	c.current = &msg
	c.mu.Unlock()

	if c.handlers.OnSnapshot != nil {
		c.handlers.OnSnapshot(snapshot)
	}
}

func (c *Client) complete(gen uint64, transcript *Transcript) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.loading = false
	c.cancel = nil
	c.mu.Unlock()

	if c.handlers.OnComplete != nil {
		c.handlers.OnComplete(transcript.Finalize(), transcript.ResponseID())
	}
}

// fail reports a transport-level failure: the in-progress message is
// replaced by a synthetic apology and the error callback fires. A failure
// caused by cancellation is suppressed entirely; the caller asked for it.
func (c *Client) fail(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		c.silence(gen)
		return
	}

	apology := Message{
		Role:        RoleAssistant,
		Content:     ConnectFailureText,
		Timestamp:   time.Now(),
		IsStreaming: false,
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	msg := apology
	c.current = &msg
	c.loading = false
	c.cancel = nil
	c.mu.Unlock()

	slog.Error("chat stream failed", "error", err)
	if c.handlers.OnSnapshot != nil {
		c.handlers.OnSnapshot(apology)
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Client) silence(gen uint64) {
	c.mu.Lock()
	if gen == c.generation {
		c.current = nil
		c.loading = false
		c.cancel = nil
	}
	c.mu.Unlock()
}
