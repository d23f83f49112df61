// Package failure classifies the ways a reply backend can fail so callers
// can decide between retrying, falling back and giving up.
package failure

import (
	"errors"
	"strconv"
	"strings"
)

// Kind determines how an error is handled by the layers above it.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfig is a missing credential or model source.
	KindConfig

	// KindTransientNetwork is a timeout or connection fault. Retryable.
	KindTransientNetwork

	// KindBackendRejected is a non-200 status other than 404.
	KindBackendRejected

	// KindModelNotFound is a 404 for a candidate model; it only moves the
	// candidate loop forward and never leaves the remote client.
	KindModelNotFound

	// KindSafetyFiltered is a 200 response with no usable candidates.
	KindSafetyFiltered

	// KindResourceExhausted is a local model that could not be made resident.
	KindResourceExhausted

	// KindGenerationFault is a failure while decoding.
	KindGenerationFault
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransientNetwork:
		return "transient_network"
	case KindBackendRejected:
		return "backend_rejected"
	case KindModelNotFound:
		return "model_not_found"
	case KindSafetyFiltered:
		return "safety_filtered"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindGenerationFault:
		return "generation_fault"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every backend component.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "gemini.generate".
	Op string

	Message string

	// StatusCode and Body are set for HTTP failures.
	StatusCode int
	Body       string

	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder

	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString("[")
	sb.WriteString(e.Kind.String())
	sb.WriteString("] ")
	sb.WriteString(e.Message)

	if e.StatusCode != 0 {
		sb.WriteString(" (status ")
		sb.WriteString(strconv.Itoa(e.StatusCode))
		sb.WriteString(")")
		if e.Body != "" {
			sb.WriteString(": ")
			sb.WriteString(e.Body)
		}
	}

	if e.Err != nil {
		inner := e.Err.Error()
		if inner != "" && inner != e.Message {
			sb.WriteString(": ")
			sb.WriteString(inner)
		}
	}

	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same kind with no
// other fields set, so errors.Is(err, failure.SafetyFiltered) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	Config            = &Error{Kind: KindConfig}
	TransientNetwork  = &Error{Kind: KindTransientNetwork}
	BackendRejected   = &Error{Kind: KindBackendRejected}
	ModelNotFound     = &Error{Kind: KindModelNotFound}
	SafetyFiltered    = &Error{Kind: KindSafetyFiltered}
	ResourceExhausted = &Error{Kind: KindResourceExhausted}
	GenerationFault   = &Error{Kind: KindGenerationFault}
)

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error. It returns nil for a nil err.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Status creates an HTTP status failure.
func Status(kind Kind, op string, statusCode int, body string) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		Message:    "unexpected status",
		StatusCode: statusCode,
		Body:       body,
	}
}

// KindOf extracts the kind from an error chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt of the same request may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}
