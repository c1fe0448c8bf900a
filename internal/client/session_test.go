package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/sse"
	"github.com/mthli/better-youtube-summary-go/internal/summary"
)

// fakeWorker scripts a worker-side summarize port: for each connection it
// reads the request and plays back a canned sequence of envelopes.
func fakeWorker(t *testing.T, script func(conn *websocket.Conn, req *protocol.Message)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/port/summarize/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req protocol.Message
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		script(conn, &req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sessionFor(srv *httptest.Server, email EmailResolver) *Session {
	return NewSession(Config{
		WorkerURL:  srv.URL,
		APIBaseURL: "https://api.example.com",
		RuntimeID:  "runtime-1",
	}, email)
}

func collect(t *testing.T, ch <-chan Snapshot) []Snapshot {
	t.Helper()
	var snaps []Snapshot
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return snaps
			}
			snaps = append(snaps, snap)
		case <-timeout:
			t.Fatalf("timed out with %d snapshots", len(snaps))
		}
	}
}

func sseEnvelope(data string) *protocol.Message {
	return &protocol.Message{
		Type:     protocol.MessageSSE,
		SenderID: "runtime-1",
		SSEEvent: sse.EventSummary,
		SSEData:  []byte(data),
	}
}

func TestSummarizeFoldsEvents(t *testing.T) {
	srv := fakeWorker(t, func(conn *websocket.Conn, req *protocol.Message) {
		if req.SenderID != "runtime-1" {
			t.Errorf("senderId = %q", req.SenderID)
		}
		if !strings.HasSuffix(req.RequestURL, "/api/summarize/vid-1") {
			t.Errorf("request url = %q", req.RequestURL)
		}
		conn.WriteJSON(sseEnvelope(`{"state":"doing","chapters":[{"cid":"a","vid":"vid-1","start":0,"chapter":"intro"}]}`))
		conn.WriteJSON(sseEnvelope(`{"state":"done","chapters":[{"cid":"a","vid":"vid-1","start":0,"chapter":"intro","summary":"full"}]}`))
		conn.WriteJSON(&protocol.Message{Type: protocol.MessageResponse, SenderID: "runtime-1", ResponseOK: true})
	})

	s := sessionFor(srv, nil)
	defer s.Close()

	ch, err := s.Summarize(context.Background(), "vid-1", nil, false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	snaps := collect(t, ch)

	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	if snaps[0].Summary.State != summary.StateDoing {
		t.Errorf("first state = %q", snaps[0].Summary.State)
	}
	last := snaps[len(snaps)-1]
	if !last.Done || last.Err != nil {
		t.Fatalf("last = %+v", last)
	}
	if last.Summary.Chapters[0].Summary != "full" {
		t.Errorf("merged chapter = %+v", last.Summary.Chapters[0])
	}
}

func TestSummarizeSurfacesRefusal(t *testing.T) {
	srv := fakeWorker(t, func(conn *websocket.Conn, req *protocol.Message) {
		conn.WriteJSON(protocol.ErrorMessage(protocol.Refused(protocol.ReasonMustPay)))
	})

	s := sessionFor(srv, nil)
	defer s.Close()

	ch, err := s.Summarize(context.Background(), "vid-1", nil, false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	snaps := collect(t, ch)

	last := snaps[len(snaps)-1]
	if !last.Done || !protocol.IsRefusal(last.Err, protocol.ReasonMustPay) {
		t.Fatalf("last = %+v, want mustPay refusal", last)
	}
}

func TestSummarizeAnswersEmailRequest(t *testing.T) {
	gotEmail := make(chan string, 1)
	srv := fakeWorker(t, func(conn *websocket.Conn, req *protocol.Message) {
		conn.WriteJSON(&protocol.Message{Type: protocol.MessageEmailRequest, SenderID: "runtime-1"})
		var reply protocol.Message
		if err := conn.ReadJSON(&reply); err != nil {
			t.Errorf("read email reply: %v", err)
			return
		}
		gotEmail <- reply.Email
		conn.WriteJSON(&protocol.Message{Type: protocol.MessageResponse, SenderID: "runtime-1", ResponseOK: true})
	})

	s := sessionFor(srv, func(ctx context.Context) string { return "user@example.com" })
	defer s.Close()

	ch, err := s.Summarize(context.Background(), "vid-1", nil, false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	collect(t, ch)

	select {
	case email := <-gotEmail:
		if email != "user@example.com" {
			t.Errorf("email = %q", email)
		}
	case <-time.After(time.Second):
		t.Fatal("worker never received the email reply")
	}
}

// Starting a second cycle supersedes the first: its late events never reach
// the consumer.
func TestSummarizeStaleGenerationDiscarded(t *testing.T) {
	release := make(chan struct{})
	srv := fakeWorker(t, func(conn *websocket.Conn, req *protocol.Message) {
		if strings.HasSuffix(req.RequestURL, "/vid-old") {
			<-release
			// Late event from the superseded cycle.
			conn.WriteJSON(sseEnvelope(`{"state":"doing","chapters":[{"cid":"stale","vid":"vid-old","start":0,"chapter":"x"}]}`))
			return
		}
		conn.WriteJSON(&protocol.Message{Type: protocol.MessageResponse, SenderID: "runtime-1", ResponseOK: true})
	})

	s := sessionFor(srv, nil)
	defer s.Close()

	oldCh, err := s.Summarize(context.Background(), "vid-old", nil, false)
	if err != nil {
		t.Fatalf("Summarize old: %v", err)
	}
	newCh, err := s.Summarize(context.Background(), "vid-new", nil, false)
	if err != nil {
		t.Fatalf("Summarize new: %v", err)
	}
	close(release)

	oldSnaps := collect(t, oldCh)
	for _, snap := range oldSnaps {
		if snap.Summary != nil {
			for _, c := range snap.Summary.Chapters {
				if c.CID == "stale" {
					t.Errorf("stale event leaked: %+v", snap)
				}
			}
		}
	}

	newSnaps := collect(t, newCh)
	if len(newSnaps) == 0 || !newSnaps[len(newSnaps)-1].Done {
		t.Fatalf("new cycle snapshots = %+v", newSnaps)
	}
}

// Canceling a cycle must disconnect its port immediately, even when the
// worker is quiet and no message is in flight to unblock the reader.
func TestSummarizeCloseDisconnectsQuietPort(t *testing.T) {
	disconnected := make(chan struct{})
	srv := fakeWorker(t, func(conn *websocket.Conn, req *protocol.Message) {
		// Quiet stream: nothing is written; the next read only returns
		// when the client side drops the connection.
		var msg protocol.Message
		conn.ReadJSON(&msg)
		close(disconnected)
	})

	s := sessionFor(srv, nil)
	ch, err := s.Summarize(context.Background(), "vid-1", nil, false)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	s.Close()

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("worker still holds the port after Close")
	}
	snaps := collect(t, ch)
	for _, snap := range snaps {
		if snap.Summary != nil {
			t.Errorf("unexpected snapshot after Close: %+v", snap)
		}
	}
}

func TestParseVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://m.youtube.com/watch?v=abc123", "abc123", true},
		{"https://www.youtube.com/watch?v=abc&t=42s", "abc", true},
		{"https://www.youtube.com/playlist?list=PL1", "", false},
		{"https://www.youtube.com/watch", "", false},
		{"https://example.com/watch?v=abc", "", false},
		{"not a url at all ::", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseVideoID(tt.url)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseVideoID(%q) = %q, %v; want %q, %v", tt.url, got, ok, tt.want, tt.ok)
		}
	}
}
