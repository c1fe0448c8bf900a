package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/summary"
)

// Translate requests a translation of one chapter summary into lang and
// blocks for the single reply.
func (s *Session) Translate(ctx context.Context, vid, cid, lang string) (*summary.Translation, error) {
	body, err := json.Marshal(map[string]string{"cid": cid, "lang": lang})
	if err != nil {
		return nil, fmt.Errorf("encode translate body: %w", err)
	}

	reply, err := s.postMessage(ctx, &protocol.Message{
		Type:       protocol.MessageRequest,
		SenderID:   s.cfg.RuntimeID,
		RequestURL: fmt.Sprintf("%s/api/translate/%s", s.cfg.APIBaseURL, vid),
		RequestInit: &protocol.RequestInit{
			Method: http.MethodPost,
			Body:   body,
		},
	})
	if err != nil {
		return nil, err
	}
	if !reply.ResponseOK {
		return nil, fmt.Errorf("translate failed: %s", string(reply.ResponseJSON))
	}

	var t summary.Translation
	if err := json.Unmarshal(reply.ResponseJSON, &t); err != nil {
		return nil, fmt.Errorf("decode translation: %w", err)
	}
	return &t, nil
}

// Feedback records a thumbs-up or thumbs-down for a video's summary.
// Exactly one of good and bad must be set. Failures are not surfaced to the
// UI; the reply only confirms delivery to the worker.
func (s *Session) Feedback(ctx context.Context, vid string, good, bad bool) error {
	if good == bad {
		return errors.New("feedback must be exactly one of good or bad")
	}
	body, err := json.Marshal(map[string]bool{"good": good, "bad": bad})
	if err != nil {
		return fmt.Errorf("encode feedback body: %w", err)
	}

	_, err = s.postMessage(ctx, &protocol.Message{
		Type:       protocol.MessageRequest,
		SenderID:   s.cfg.RuntimeID,
		RequestURL: fmt.Sprintf("%s/api/feedback/%s", s.cfg.APIBaseURL, vid),
		RequestInit: &protocol.RequestInit{
			Method: http.MethodPost,
			Body:   body,
		},
	})
	return err
}

// OpenTab asks the worker to open a URL in the browser.
func (s *Session) OpenTab(ctx context.Context, url string) error {
	_, err := s.postMessage(ctx, &protocol.Message{
		Type:       protocol.MessageOpenTab,
		SenderID:   s.cfg.RuntimeID,
		RequestURL: url,
	})
	return err
}

// postMessage delivers one envelope to /message and decodes the single
// reply. A 204 means the message type has no reply body.
func (s *Session) postMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.WorkerURL+"/message", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &protocol.Message{Type: protocol.MessageResponse}, nil
	}

	var reply protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Type == protocol.MessageError {
		return nil, errorFrom(reply.Error)
	}
	return &reply, nil
}
