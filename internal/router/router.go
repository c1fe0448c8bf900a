// Package router dispatches messages from client contexts: one-shot posts
// on /message and long-lived summarize ports carried over WebSocket. Every
// request passes sender validation and payment admission before any network
// traffic leaves the worker.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mthli/better-youtube-summary-go/internal/identity"
	"github.com/mthli/better-youtube-summary-go/internal/payment"
	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/sse"
)

const (
	// emailLookupTimeout bounds how long a request waits for the page to
	// answer an email_request before giving up on the trial path.
	emailLookupTimeout = 60 * time.Second
	// pendingEmailWindow is how long a resolved email stays available to a
	// subsequently opened payment page.
	pendingEmailWindow = 3 * time.Minute

	oneShotTimeout = 90 * time.Second
)

// Config carries the identity the router validates senders against and the
// upstream it forwards to.
type Config struct {
	// RuntimeID is this worker's own identity. Messages whose senderId does
	// not match are rejected before any processing.
	RuntimeID string
	// BaseURL is the summarization backend, e.g. https://bys.mthli.com.
	BaseURL  string
	Platform string
	Version  string
}

// OpenTab opens a URL in the user's browser.
type OpenTab func(url string)

// Router owns the two entry points and the per-request relay machinery.
type Router struct {
	cfg      Config
	identity *identity.Provider
	gate     *payment.Gate
	oracle   *payment.Oracle
	stream   *sse.Client
	oneshot  *http.Client
	openTab  OpenTab
	upgrader websocket.Upgrader

	pendingMu    sync.Mutex
	pendingEmail string
	pendingUntil time.Time
}

// New creates a router. openTab may be nil, in which case open_tab messages
// and payment surfaces are logged and dropped.
func New(cfg Config, id *identity.Provider, gate *payment.Gate, oracle *payment.Oracle, stream *sse.Client, openTab OpenTab) *Router {
	return &Router{
		cfg:      cfg,
		identity: id,
		gate:     gate,
		oracle:   oracle,
		stream:   stream,
		oneshot:  &http.Client{Timeout: oneShotTimeout},
		openTab:  openTab,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The worker binds to loopback; the envelope's senderId is
				// the authentication boundary, not the Origin header.
				return true
			},
		},
	}
}

// HandleMessage serves one-shot messages: exactly one reply envelope per
// request, either the normal response or an error payload.
func (rt *Router) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeMessage(w, protocol.ErrorMessage(
			protocol.Wrap(protocol.KindRequestMalformed, "decode message", err)))
		return
	}

	reply := rt.dispatchOneShot(r.Context(), &msg)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeMessage(w, reply)
}

func (rt *Router) dispatchOneShot(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if msg.SenderID != rt.cfg.RuntimeID {
		refusedTotal.WithLabelValues("invalid_sender").Inc()
		return protocol.ErrorMessage(protocol.New(protocol.KindSenderInvalid,
			fmt.Sprintf("invalid sender, senderId=%s", msg.SenderID)))
	}

	switch msg.Type {
	case protocol.MessageOpenTab:
		if msg.RequestURL == "" {
			return protocol.ErrorMessage(protocol.New(protocol.KindRequestMalformed, "open_tab without url"))
		}
		if rt.openTab != nil {
			rt.openTab(msg.RequestURL)
		}
		return nil

	case protocol.MessageEmailRequest:
		// The payment page asks for the email a trial attempt resolved
		// shortly before it was opened.
		return &protocol.Message{Type: protocol.MessageResponse, Email: rt.takePendingEmail()}

	case protocol.MessageRequest:
		return rt.forward(ctx, msg)

	default:
		return protocol.ErrorMessage(protocol.New(protocol.KindRequestMalformed,
			fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

// forward admits and relays a one-shot API request. One-shot paths have no
// page to ask for an email, so the trial lookup capability is nil.
func (rt *Router) forward(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if msg.RequestURL == "" {
		return protocol.ErrorMessage(protocol.New(protocol.KindRequestMalformed, "request without url"))
	}

	if err := rt.gate.Admit(ctx, nil); err != nil {
		refusedTotal.WithLabelValues(refusalLabel(err)).Inc()
		return protocol.ErrorMessage(err)
	}
	admittedTotal.WithLabelValues("oneshot").Inc()

	headers, err := rt.identity.Headers(ctx)
	if err != nil {
		return protocol.ErrorMessage(err)
	}

	method := http.MethodGet
	var body io.Reader
	if init := msg.RequestInit; init != nil {
		if init.Method != "" {
			method = strings.ToUpper(init.Method)
		}
		if len(init.Body) > 0 {
			body = strings.NewReader(string(init.Body))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, msg.RequestURL, body)
	if err != nil {
		return protocol.ErrorMessage(
			protocol.Wrap(protocol.KindRequestMalformed, "build request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if init := msg.RequestInit; init != nil {
		for k, v := range init.Headers {
			req.Header.Set(k, v)
		}
	}
	// Identity headers overwrite anything the caller supplied.
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := rt.oneshot.Do(req)
	if err != nil {
		return protocol.ErrorMessage(
			protocol.Wrap(protocol.KindNetworkUnreachable, "forward request", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.ErrorMessage(
			protocol.Wrap(protocol.KindNetworkUnreachable, "read response", err))
	}
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(raw))
	}

	return &protocol.Message{
		Type:         protocol.MessageResponse,
		ResponseOK:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		ResponseJSON: raw,
	}
}

// HandleSummarize upgrades the connection to a summarize port. The port
// stays open for the lifetime of the page's interest in one video; closing
// it cancels any in-flight streaming work.
func (rt *Router) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("summarize port upgrade failed")
		return
	}

	p := &port{conn: conn, emailCh: make(chan string, 1)}
	rt.servePort(r.Context(), p)
}

func (rt *Router) servePort(parent context.Context, p *port) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer p.conn.Close()

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			// Port disconnect. cancel() aborts any in-flight relay.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("summarize port closed")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.post(protocol.ErrorMessage(
				protocol.Wrap(protocol.KindRequestMalformed, "decode port message", err)))
			continue
		}

		if msg.SenderID != rt.cfg.RuntimeID {
			refusedTotal.WithLabelValues("invalid_sender").Inc()
			p.post(protocol.ErrorMessage(protocol.New(protocol.KindSenderInvalid,
				fmt.Sprintf("invalid sender, senderId=%s", msg.SenderID))))
			continue
		}

		switch msg.Type {
		case protocol.MessageEmailRequest:
			// Reply from the page carrying the resolved email.
			p.deliverEmail(msg.Email)

		case protocol.MessageRequest:
			m := msg
			go rt.relay(ctx, p, &m)

		default:
			p.post(protocol.ErrorMessage(protocol.New(protocol.KindRequestMalformed,
				fmt.Sprintf("unsupported port message type %q", msg.Type))))
		}
	}
}

// relay runs one streaming request end to end: admission, identity headers,
// SSE relay, trial decrement. Terminal outcome is exactly one response or
// error envelope; summary events flow through before it.
func (rt *Router) relay(ctx context.Context, p *port, msg *protocol.Message) {
	if msg.RequestURL == "" {
		p.post(protocol.ErrorMessage(protocol.New(protocol.KindRequestMalformed, "request without url")))
		return
	}

	lookup := rt.portEmailLookup(p)

	if err := rt.gate.Admit(ctx, lookup); err != nil {
		if protocol.IsRefusal(err, protocol.ReasonMustPay) {
			// The payment page about to open may ask for the email the
			// trial flow just resolved. Resolve it in the background so a
			// slow page never delays the refusal itself.
			go rt.armPendingEmail(ctx, lookup)
		}
		refusedTotal.WithLabelValues(refusalLabel(err)).Inc()
		p.post(protocol.ErrorMessage(err))
		return
	}
	admittedTotal.WithLabelValues("port").Inc()

	headers, err := rt.identity.Headers(ctx)
	if err != nil {
		p.post(protocol.ErrorMessage(err))
		return
	}
	if init := msg.RequestInit; init != nil {
		for k, v := range init.Headers {
			if _, owned := headers[k]; !owned {
				headers[k] = v
			}
		}
	}

	var body []byte
	if msg.RequestInit != nil {
		body = msg.RequestInit.Body
	}

	res, err := rt.stream.Stream(ctx, msg.RequestURL, headers, body, func(ev sse.Event) error {
		if ev.Kind != sse.EventSummary {
			// Only summary events cross the port; close and anything
			// unknown terminate or are dropped here.
			return nil
		}
		eventsForwarded.Inc()
		return p.post(&protocol.Message{
			Type:     protocol.MessageSSE,
			SSEEvent: ev.Kind,
			SSEData:  ev.Data,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			// Port closed mid-stream; nobody is listening for an error.
			return
		}
		p.post(protocol.ErrorMessage(err))
		return
	}

	switch res.Outcome {
	case sse.OutcomeCachedJSON:
		// A cache hit consumes no trial use.
		p.post(&protocol.Message{
			Type:         protocol.MessageResponse,
			ResponseOK:   res.OK,
			ResponseJSON: res.Body,
		})
	case sse.OutcomeStreamed:
		rt.oracle.ConsumeTrialUse()
		p.post(&protocol.Message{Type: protocol.MessageResponse, ResponseOK: true})
	}
}

// portEmailLookup builds the capability that asks the page, over the port,
// for the signed-in user's email. At most one lookup is in flight per port.
func (rt *Router) portEmailLookup(p *port) payment.EmailLookup {
	return func(ctx context.Context) (string, error) {
		if err := p.post(&protocol.Message{Type: protocol.MessageEmailRequest}); err != nil {
			return "", protocol.Wrap(protocol.KindNetworkUnreachable, "request email from page", err)
		}
		ctx, cancel := context.WithTimeout(ctx, emailLookupTimeout)
		defer cancel()
		select {
		case email := <-p.emailCh:
			return email, nil
		case <-ctx.Done():
			return "", protocol.Wrap(protocol.KindNetworkUnreachable, "email lookup timed out", ctx.Err())
		}
	}
}

// armPendingEmail resolves the email once more and parks it where the
// payment page can fetch it during the pending window.
func (rt *Router) armPendingEmail(ctx context.Context, lookup payment.EmailLookup) {
	if lookup == nil {
		return
	}
	email, err := lookup(ctx)
	if err != nil || email == "" {
		return
	}
	rt.pendingMu.Lock()
	rt.pendingEmail = email
	rt.pendingUntil = time.Now().Add(pendingEmailWindow)
	rt.pendingMu.Unlock()
}

func (rt *Router) takePendingEmail() string {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	if time.Now().After(rt.pendingUntil) {
		rt.pendingEmail = ""
		return ""
	}
	email := rt.pendingEmail
	rt.pendingEmail = ""
	return email
}

// port is one summarize connection. Writes are serialized; gorilla allows
// only one concurrent writer.
type port struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	emailCh chan string
}

func (p *port) post(msg *protocol.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(msg)
}

func (p *port) deliverEmail(email string) {
	select {
	case p.emailCh <- email:
	default:
		log.Debug().Msg("dropping unsolicited email reply")
	}
}

func refusalLabel(err error) string {
	switch {
	case protocol.IsRefusal(err, protocol.ReasonMustPay):
		return protocol.ReasonMustPay
	case protocol.IsRefusal(err, protocol.ReasonMustActivateTrialOrPay):
		return protocol.ReasonMustActivateTrialOrPay
	default:
		return "error"
	}
}

func writeMessage(w http.ResponseWriter, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		log.Debug().Err(err).Msg("write reply failed")
	}
}
