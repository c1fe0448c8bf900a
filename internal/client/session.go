// Package client is the page-facing side of the worker protocol: it opens
// summarize ports, folds incremental events into one evolving summary, and
// issues the one-shot operations (translate, feedback).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/sse"
	"github.com/mthli/better-youtube-summary-go/internal/summary"
)

// Config locates the worker and carries the identity used on every envelope.
type Config struct {
	// WorkerURL is the worker's base address, e.g. http://127.0.0.1:8166.
	WorkerURL string
	// APIBaseURL is the summarization backend the worker forwards to.
	APIBaseURL string
	// RuntimeID must match the worker's own runtime id or every message is
	// rejected as an invalid sender.
	RuntimeID string
}

// EmailResolver answers the worker's email_request with the signed-in
// user's address, or "" when none is available.
type EmailResolver func(ctx context.Context) string

// Snapshot is one observable state of an in-flight summarization.
type Snapshot struct {
	Generation int64
	Summary    *summary.Summary
	Err        error
	Done       bool
}

// Session drives summarization for one page. Starting a new video bumps the
// generation counter and cancels the previous cycle; late events from a
// stale cycle are discarded instead of corrupting the current summary.
type Session struct {
	cfg    Config
	email  EmailResolver
	dialer *websocket.Dialer

	gen atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession creates a session. email may be nil when the page never has a
// signed-in user to report.
func NewSession(cfg Config, email EmailResolver) *Session {
	return &Session{
		cfg:    cfg,
		email:  email,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Summarize starts a new summarization cycle for vid and emits snapshots on
// the returned channel until the cycle completes or is superseded. The
// channel is closed when the cycle ends.
func (s *Session) Summarize(ctx context.Context, vid string, chapters []summary.PageChapter, noTranscript bool) (<-chan Snapshot, error) {
	gen := s.gen.Add(1)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	conn, err := s.dialPort(ctx, vid)
	if err != nil {
		cancel()
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"chapters":      chapters,
		"no_transcript": noTranscript,
	})
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("encode summarize body: %w", err)
	}

	req := &protocol.Message{
		Type:       protocol.MessageRequest,
		SenderID:   s.cfg.RuntimeID,
		RequestURL: fmt.Sprintf("%s/api/summarize/%s", s.cfg.APIBaseURL, vid),
		RequestInit: &protocol.RequestInit{
			Method: http.MethodPost,
			Body:   body,
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("send summarize request: %w", err)
	}

	out := make(chan Snapshot, 16)
	go s.readLoop(ctx, conn, gen, out)
	return out, nil
}

func (s *Session) dialPort(ctx context.Context, vid string) (*websocket.Conn, error) {
	base, err := url.Parse(s.cfg.WorkerURL)
	if err != nil {
		return nil, fmt.Errorf("parse worker url: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = "/port/summarize/" + vid

	conn, _, err := s.dialer.DialContext(ctx, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial summarize port: %w", err)
	}
	return conn, nil
}

// readLoop folds port messages into the evolving summary and emits a
// snapshot per change. A generation bump elsewhere makes this loop stale;
// it closes the port and stops emitting.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen int64, out chan<- Snapshot) {
	defer close(out)
	defer conn.Close()

	// Cancellation must unblock the pending read, not wait for the next
	// server message. Closing the connection does both.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var current *summary.Summary

	emit := func(snap Snapshot) bool {
		if s.gen.Load() != gen {
			return false
		}
		snap.Generation = gen
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || s.gen.Load() != gen {
				return
			}
			emit(Snapshot{Err: fmt.Errorf("port closed: %w", err), Done: true})
			return
		}
		if s.gen.Load() != gen {
			return
		}

		switch msg.Type {
		case protocol.MessageEmailRequest:
			email := ""
			if s.email != nil {
				email = s.email(ctx)
			}
			reply := &protocol.Message{
				Type:     protocol.MessageEmailRequest,
				SenderID: s.cfg.RuntimeID,
				Email:    email,
			}
			if err := conn.WriteJSON(reply); err != nil {
				log.Debug().Err(err).Msg("email reply failed")
			}

		case protocol.MessageSSE:
			if msg.SSEEvent != sse.EventSummary {
				continue
			}
			var incoming summary.Summary
			if err := json.Unmarshal(msg.SSEData, &incoming); err != nil {
				log.Debug().Err(err).Msg("skipping undecodable summary event")
				continue
			}
			current = summary.Merge(current, &incoming)
			if !emit(Snapshot{Summary: current}) {
				return
			}

		case protocol.MessageResponse:
			if len(msg.ResponseJSON) > 0 {
				var incoming summary.Summary
				if err := json.Unmarshal(msg.ResponseJSON, &incoming); err == nil {
					current = summary.Merge(current, &incoming)
				}
			}
			emit(Snapshot{Summary: current, Done: true})
			return

		case protocol.MessageError:
			emit(Snapshot{Summary: current, Err: errorFrom(msg.Error), Done: true})
			return
		}
	}
}

// Close cancels any in-flight cycle.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func errorFrom(p *protocol.ErrorPayload) error {
	if p == nil {
		return errors.New("unknown error")
	}
	switch p.Message {
	case protocol.ReasonMustPay, protocol.ReasonMustActivateTrialOrPay:
		return protocol.Refused(p.Message)
	}
	return fmt.Errorf("%s: %s", p.Name, p.Message)
}

// ParseVideoID extracts the video id from a YouTube watch URL. Only the
// canonical youtube.com/watch?v= form is recognized.
func ParseVideoID(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "youtube.com" && host != "m.youtube.com" {
		return "", false
	}
	if u.Path != "/watch" {
		return "", false
	}
	vid := u.Query().Get("v")
	return vid, vid != ""
}
