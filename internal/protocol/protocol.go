// Package protocol defines the message envelope exchanged between client
// contexts and the background worker, plus the error taxonomy every failure
// is mapped into before it crosses the message boundary.
package protocol

import "encoding/json"

// MessageType tags the cross-context envelope.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageSSE          MessageType = "sse"
	MessageEmailRequest MessageType = "email_request"
	MessageOpenTab      MessageType = "open_tab"
	MessageError        MessageType = "error"
)

// RequestInit carries the caller-supplied parameters for a forwarded HTTP
// request. Headers set by the router (uid, api key, platform, version)
// overwrite same-named caller headers.
type RequestInit struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Message is the wire envelope used over both one-shot posts and ports.
// Exactly one payload group is populated per message, selected by Type.
type Message struct {
	Type     MessageType `json:"type"`
	SenderID string      `json:"senderId,omitempty"`

	RequestURL  string       `json:"requestUrl,omitempty"`
	RequestInit *RequestInit `json:"requestInit,omitempty"`

	ResponseOK   bool            `json:"responseOk,omitempty"`
	ResponseJSON json.RawMessage `json:"responseJson,omitempty"`

	SSEEvent string          `json:"sseEvent,omitempty"`
	SSEData  json.RawMessage `json:"sseData,omitempty"`

	// Email carries the address resolved from the page in replies to
	// email_request messages.
	Email string `json:"email,omitempty"`

	Error *ErrorPayload `json:"error,omitempty"`
}

// ErrorMessage wraps any error into an error envelope. Exactly one such
// message replaces the normal reply when a request fails.
func ErrorMessage(err error) *Message {
	return &Message{
		Type:  MessageError,
		Error: PayloadFor(err),
	}
}
