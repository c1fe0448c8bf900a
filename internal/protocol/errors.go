package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies every failure that can cross the message boundary.
type Kind string

const (
	// KindSenderInvalid marks a security boundary violation. Never retried.
	KindSenderInvalid Kind = "SenderInvalid"
	// KindRequestMalformed marks a message missing required fields.
	KindRequestMalformed Kind = "RequestMalformed"
	// KindPaymentRefused is a business-rule refusal surfaced to the UI as a
	// call-to-action, not a generic error banner.
	KindPaymentRefused Kind = "PaymentRefused"
	// KindNetworkUnreachable marks an unreachable oracle or API. Retried a
	// bounded number of times by the caller, then surfaced.
	KindNetworkUnreachable Kind = "NetworkUnreachable"
	// KindServerFatal marks a 4xx (except 429) reply. Never retried.
	KindServerFatal Kind = "ServerFatal"
	// KindServerRetriable marks 429/5xx replies, retried by the transport.
	KindServerRetriable Kind = "ServerRetriable"
	// KindDecodeMalformed marks a single undecodable stream event. The
	// stream continues past it.
	KindDecodeMalformed Kind = "DecodeMalformed"
	// KindProvisioningFailed means no install id could be obtained. Hard
	// failure for the whole request.
	KindProvisioningFailed Kind = "ProvisioningFailed"
)

// Payment refusal reasons. The strings are load-bearing: clients match on
// them to pick the call-to-action surface.
const (
	ReasonMustPay                = "mustPay"
	ReasonMustActivateTrialOrPay = "mustActivateTrialOrPay"
)

// Error is the one structured error type crossing the message boundary.
type Error struct {
	Kind   Kind
	Reason string // refusal reason, set for KindPaymentRefused only
	Msg    string
	Status int // HTTP status when applicable
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the transport layer may transparently retry the
// operation that produced this error.
func (e *Error) Retriable() bool {
	return e.Kind == KindServerRetriable || e.Kind == KindNetworkUnreachable
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Refused creates a payment refusal with the given reason.
func Refused(reason string) *Error {
	return &Error{Kind: KindPaymentRefused, Reason: reason, Msg: reason}
}

// ClassifyStatus maps a non-2xx HTTP status onto the retry policy: 429 and
// 5xx are retriable, any other 4xx is fatal.
func ClassifyStatus(status int) Kind {
	if status == 429 || status >= 500 {
		return KindServerRetriable
	}
	return KindServerFatal
}

// ErrorPayload is the serializable form of an error (name/message/stack
// equivalents) posted across the message boundary. Raw errors never cross
// it unserialized.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// PayloadFor converts any error into exactly one serializable payload. For
// payment refusals the message is the bare refusal reason, which the client
// side matches on.
func PayloadFor(err error) *ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Msg
		if e.Reason != "" {
			msg = e.Reason
		} else if e.Err != nil {
			msg = e.Error()
		}
		return &ErrorPayload{
			Name:    string(e.Kind),
			Message: msg,
		}
	}
	return &ErrorPayload{
		Name:    "Error",
		Message: err.Error(),
	}
}

// IsRefusal reports whether err is a payment refusal with the given reason.
func IsRefusal(err error, reason string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPaymentRefused && e.Reason == reason
}
