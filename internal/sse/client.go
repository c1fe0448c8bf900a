// Package sse is the streaming relay: it issues HTTP requests with
// Server-Sent-Events semantics, classifies the response, retries transient
// failures transparently, and hands each decoded event to a handler.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
)

// Event kinds sent by the summarization backend.
const (
	EventSummary = "summary"
	EventClose   = "close"
)

const (
	contentTypeEventStream = "text/event-stream"
	contentTypeJSON        = "application/json"

	maxRetries     = 3
	initialBackoff = 2 * time.Second
	// Summarization can be slow; the ceiling is deliberately generous.
	defaultTimeout = 5 * time.Minute
)

// Outcome reports how a streaming request terminated.
type Outcome int

const (
	// OutcomeStreamed means the server streamed incremental events until it
	// closed the connection.
	OutcomeStreamed Outcome = iota
	// OutcomeCachedJSON means the server returned one complete JSON body, a
	// cache hit for an already-summarized video. No events follow.
	OutcomeCachedJSON
)

// Event is one decoded server-sent event.
type Event struct {
	Kind string
	Data json.RawMessage
}

// Handler consumes events while streaming. A returned error terminates the
// whole operation unless it is classified retriable, in which case the
// relay reconnects.
type Handler func(Event) error

// Result describes how a Stream call finished.
type Result struct {
	Outcome Outcome
	// Body and OK are populated for OutcomeCachedJSON.
	Body json.RawMessage
	OK   bool
}

// Client issues streaming POST requests. Responses are classified off the
// status line and content type: an event stream is consumed incrementally,
// a JSON body is returned whole, 4xx (except 429) is fatal, and anything
// else is retried with exponential backoff.
type Client struct {
	client *http.Client
}

// NewClient creates a streaming client. Pass 0 for the default multi-minute
// timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{client: &http.Client{Timeout: timeout}}
}

// Stream POSTs body to url and demultiplexes the reply to onEvent. It
// returns once the server closes the stream, a cached JSON body arrives, a
// fatal error occurs, or ctx is canceled.
func (c *Client) Stream(ctx context.Context, url string, headers map[string]string, body []byte, onEvent Handler) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<(attempt-1))
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying stream request after transient error")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		res, err := c.attempt(ctx, url, headers, body, onEvent)
		if err == nil {
			return res, nil
		}

		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Retriable() && ctx.Err() == nil {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, url string, headers map[string]string, body []byte, onEvent Handler) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindRequestMalformed, "create stream request", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeEventStream)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.Wrap(protocol.KindNetworkUnreachable, "stream request failed", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = ct
	}

	// Opening: classify the response off its headers.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && contentType == contentTypeEventStream:
		if err := c.consume(ctx, resp.Body, onEvent); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeStreamed}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300 && contentType == contentTypeJSON:
		// Cache hit: one complete body, nothing further expected, so the
		// connection is dropped right away.
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindNetworkUnreachable, "read cached response", err)
		}
		return &Result{Outcome: OutcomeCachedJSON, Body: raw, OK: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, protocol.New(protocol.KindServerFatal,
			fmt.Sprintf("unexpected content type %q", contentType))

	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &protocol.Error{
			Kind:   protocol.ClassifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("stream request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text))),
		}
	}
}

// consume decodes the event stream until the server closes the connection.
// A malformed event is logged and skipped: one bad event must not abort an
// otherwise healthy stream.
func (c *Client) consume(ctx context.Context, r io.Reader, onEvent Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind string
	var data strings.Builder

	flush := func() error {
		defer func() {
			kind = ""
			data.Reset()
		}()
		if data.Len() == 0 || onEvent == nil {
			return nil
		}
		payload := json.RawMessage(data.String())
		if !json.Valid(payload) {
			log.Debug().Str("event", kind).Msg("skipping malformed stream event")
			return nil
		}
		return onEvent(Event{Kind: kind, Data: payload})
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return protocol.Wrap(protocol.KindNetworkUnreachable, "stream read error", err)
	}
	// The terminator is the connection close itself; flush any event left
	// buffered without a trailing blank line.
	return flush()
}
