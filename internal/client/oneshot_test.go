package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
)

// fakeMessageWorker records every envelope posted to /message and replies
// with a canned response.
func fakeMessageWorker(t *testing.T, reply *protocol.Message) (*httptest.Server, *[]protocol.Message) {
	t.Helper()
	var received []protocol.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message" {
			http.NotFound(w, r)
			return
		}
		var msg protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode message: %v", err)
			return
		}
		received = append(received, msg)
		if reply == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestFeedbackPostsToFeedbackEndpoint(t *testing.T) {
	srv, received := fakeMessageWorker(t, &protocol.Message{
		Type:       protocol.MessageResponse,
		ResponseOK: true,
	})

	s := sessionFor(srv, nil)
	if err := s.Feedback(context.Background(), "vid-1", true, false); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	if len(*received) != 1 {
		t.Fatalf("worker received %d messages, want 1", len(*received))
	}
	msg := (*received)[0]
	if want := "https://api.example.com/api/feedback/vid-1"; msg.RequestURL != want {
		t.Errorf("request url = %q, want %q", msg.RequestURL, want)
	}
	var body map[string]bool
	if err := json.Unmarshal(msg.RequestInit.Body, &body); err != nil {
		t.Fatal(err)
	}
	if !body["good"] || body["bad"] {
		t.Errorf("body = %v", body)
	}
}

func TestFeedbackRejectsAmbiguousVote(t *testing.T) {
	srv, received := fakeMessageWorker(t, nil)
	s := sessionFor(srv, nil)
	if err := s.Feedback(context.Background(), "vid-1", true, true); err == nil {
		t.Error("both good and bad accepted")
	}
	if err := s.Feedback(context.Background(), "vid-1", false, false); err == nil {
		t.Error("neither good nor bad accepted")
	}
	if len(*received) != 0 {
		t.Errorf("worker received %d messages, want none", len(*received))
	}
}

func TestTranslatePostsToTranslateEndpoint(t *testing.T) {
	srv, received := fakeMessageWorker(t, &protocol.Message{
		Type:         protocol.MessageResponse,
		ResponseOK:   true,
		ResponseJSON: json.RawMessage(`{"cid":"c-1","lang":"ja","summary":"translated"}`),
	})

	s := sessionFor(srv, nil)
	tr, err := s.Translate(context.Background(), "vid-1", "c-1", "ja")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tr.Summary != "translated" {
		t.Errorf("translation = %+v", tr)
	}

	msg := (*received)[0]
	if want := "https://api.example.com/api/translate/vid-1"; msg.RequestURL != want {
		t.Errorf("request url = %q, want %q", msg.RequestURL, want)
	}
}
