// Package apierr provides the gateway's error taxonomy and HTTP status
// mapping, serialized in the OpenAI error envelope format.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a request failure. Every error surfaced to a client maps
// to exactly one kind.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnsupportedRole     Kind = "unsupported_role"
	KindUnknownModel        Kind = "unknown_model"
	KindInvalidParameter    Kind = "invalid_parameter"
	KindAuthError           Kind = "auth_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal_error"
)

// Error is the structured error carried from any gateway component to the
// HTTP boundary, where it is written as an OpenAI-style envelope.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status code for the error's kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest, KindUnsupportedRole, KindInvalidParameter:
		return fasthttp.StatusBadRequest
	case KindUnknownModel:
		return fasthttp.StatusNotFound
	case KindAuthError:
		return fasthttp.StatusUnauthorized
	case KindUpstreamUnavailable:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that preserves the cause for
// errors.Is / errors.As chains.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal when err is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// envelopeType maps a Kind to the OpenAI "type" field.
func envelopeType(kind Kind) string {
	switch kind {
	case KindInvalidRequest, KindUnsupportedRole, KindInvalidParameter, KindUnknownModel:
		return "invalid_request_error"
	case KindAuthError:
		return "authentication_error"
	case KindUpstreamUnavailable, KindTimeout:
		return "upstream_error"
	default:
		return "server_error"
	}
}

type (
	// Payload is the inner error object of the OpenAI envelope.
	Payload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error Payload `json:"error"`
	}
)

// PayloadOf builds the wire payload for err. Used by the stream relay to
// emit an in-band error event on an already-open SSE stream.
func PayloadOf(err error) Payload {
	kind := KindOf(err)
	msg := "internal server error"
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return Payload{Message: msg, Type: envelopeType(kind), Code: string(kind)}
}

// Write serializes err into the fasthttp response with its mapped status.
// Non-*Error values are reported as internal errors without leaking detail.
func Write(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	var e *Error
	if errors.As(err, &e) {
		status = e.HTTPStatus()
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: PayloadOf(err)})
	ctx.SetBody(body)
}
