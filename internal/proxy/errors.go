package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidDestination means the endpoint's destination is not an absolute http(s) URL.
	ErrInvalidDestination = errors.New("destination must be an absolute http or https URL")
	// ErrUpstream covers every network-level failure of the outbound call.
	ErrUpstream = errors.New("upstream request failed")
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindConfiguration
	KindNotFound
	KindAuth
	KindAdmission
	KindUpstream
	KindBadRequest
	KindPayloadTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "bad_destination"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth_failed"
	case KindAdmission:
		return "rate_limited"
	case KindUpstream:
		return "upstream_error"
	case KindBadRequest:
		return "bad_request"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "unexpected"
	}
}

// Status maps a kind to the HTTP status the caller sees.
func (k Kind) Status() int {
	switch k {
	case KindConfiguration, KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusForbidden
	case KindAdmission:
		return http.StatusTooManyRequests
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is a failure surfaced to the caller. Message is safe to show;
// Err carries the internal cause for logs only.
type GatewayError struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Status() int {
	return e.Kind.Status()
}

// logMessage is what the call log stores as the error message.
func (e *GatewayError) logMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}
