// Package atperr classifies errors the protocol surfaces to clients.
// Handlers map a Kind to an HTTP status; the engine maps runtime failures
// to kinds without leaking engine internals into program catch blocks.
package atperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the protocol-level error classification.
type Kind int

const (
	// KindUnauthenticated covers every token failure. Malformed, expired and
	// bad-signature cases all surface as this single opaque kind so the
	// endpoint does not become a token oracle.
	KindUnauthenticated Kind = iota
	// KindForbidden - session mismatch on resume, insufficient OAuth scope.
	KindForbidden
	// KindNotFound - execution expired or already consumed.
	KindNotFound
	// KindBusy - concurrent resume on the same execution.
	KindBusy
	// KindValidation - parse failure, blocked import, dangerous construct.
	KindValidation
	// KindPolicy - a security policy blocked a tool invocation.
	KindPolicy
	// KindRuntime - the program threw and nothing caught it.
	KindRuntime
	// KindResource - wall budget, memory or call budget exceeded.
	KindResource
	// KindInfra - degraded infrastructure (cache unreachable).
	KindInfra
)

// Codes carried inside Error.Code. Internal-only codes (signatureInvalid,
// tokenExpired, malformedToken) never reach clients; they collapse to
// unauthenticated at the transport.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeTokenExpired        = "tokenExpired"
	CodeSignatureInvalid    = "signatureInvalid"
	CodeMalformedToken      = "malformedToken"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "notFound"
	CodeBusy                = "busy"
	CodeParseError          = "parseError"
	CodeSecurityViolation   = "securityViolation"
	CodePolicyBlocked       = "policyBlocked"
	CodeExecutionTimeout    = "executionTimeout"
	CodeMemoryExceeded      = "memoryExceeded"
	CodeCallBudgetExceeded  = "callBudgetExceeded"
	CodeInsufficientScope   = "insufficientScope"
	CodeInvalidArguments    = "invalidArguments"
	CodeCacheUnavailable    = "cacheUnavailable"
)

// Error is a kind-carrying error with an optional machine code and context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given kind and code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// WithContext returns a copy of e carrying additional context.
func (e *Error) WithContext(key string, value any) *Error {
	dup := *e
	dup.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		dup.Context[k] = v
	}
	dup.Context[key] = value
	return &dup
}

// KindOf extracts the kind from err, defaulting to KindRuntime.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindRuntime
}

// CodeOf extracts the machine code from err, empty when untyped.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HTTPStatus maps a kind to the transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindResource:
		return http.StatusUnprocessableEntity
	case KindInfra:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientCode returns the code safe to show clients. Authentication
// subcategories collapse to the opaque unauthenticated code.
func ClientCode(err error) string {
	code := CodeOf(err)
	switch code {
	case CodeTokenExpired, CodeSignatureInvalid, CodeMalformedToken:
		return CodeUnauthenticated
	case "":
		return "internal"
	default:
		return code
	}
}
