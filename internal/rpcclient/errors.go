package rpcclient

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an RpcError per §4.1/§7. Callers branch on kind with
// errors.Is against the sentinel Err* values, not on string matching.
type Kind int

const (
	KindTransport Kind = iota
	KindResponse
	KindDecode
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindResponse:
		return "response"
	case KindDecode:
		return "decode"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinel errors usable with errors.Is. Error wraps one of these via
// Unwrap so a single switch handles both the typed *Error and plain
// sentinel comparisons.
var (
	ErrTransport = errors.New("rpc: transport error")
	ErrDecode    = errors.New("rpc: response shape mismatch")
	ErrTimeout   = errors.New("rpc: request timed out")
	ErrResponse  = errors.New("rpc: node returned an error object")
)

// Error is the concrete error type returned by Client.Call and
// Client.CallWithRetry.
type Error struct {
	Kind    Kind
	Method  string
	Code    int    // JSON-RPC error code, only meaningful for KindResponse
	Message string // JSON-RPC error message, or a transport/decode detail
	cause   error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc %s: %s [code=%d] %s", e.Method, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s: %s: %s", e.Method, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindTransport:
		return ErrTransport
	case KindDecode:
		return ErrDecode
	case KindTimeout:
		return ErrTimeout
	case KindResponse:
		return ErrResponse
	default:
		return e.cause
	}
}

func newTransportErr(method string, cause error) *Error {
	return &Error{Kind: KindTransport, Method: method, Message: cause.Error(), cause: cause}
}

func newTimeoutErr(method string, cause error) *Error {
	return &Error{Kind: KindTimeout, Method: method, Message: cause.Error(), cause: cause}
}

func newDecodeErr(method string, msg string) *Error {
	return &Error{Kind: KindDecode, Method: method, Message: msg}
}

func newResponseErr(method string, code int, msg string) *Error {
	return &Error{Kind: KindResponse, Method: method, Code: code, Message: msg}
}

// IsPrunedState reports whether a JSON-RPC error object's message
// signals that the historical state referenced by the call has been
// discarded by a non-archive node (§4.4 fallback trigger, §7
// StateUnavailable).
func IsPrunedState(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindResponse {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, needle := range []string{
		"state already discarded",
		"could not find state",
		"unknown block",
		"pruned",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Retryable reports whether err is the class of failure
// call_with_retry should retry (§4.1): connection-level transport
// failures, timeouts, and HTTP 502/503/504, which Client.Call surfaces
// as transport errors. JSON-RPC error objects, other HTTP error
// statuses, and decode errors are never retryable.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
