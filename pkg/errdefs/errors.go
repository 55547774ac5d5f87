package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the orchestrator's taxonomy. Kinds are a
// closed set: the API layer switches on them to pick an HTTP status, and the
// task driver switches on them to build result records.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindBadRequest         Kind = "bad_request"
	KindInvalidFormat      Kind = "invalid_format"
	KindConversionFailed   Kind = "conversion_failed"
	KindNoConversionPath   Kind = "no_conversion_path"
	KindPluginUnavailable  Kind = "plugin_unavailable"
	KindIncompatiblePlugin Kind = "incompatible_plugin"
	KindParseFailed        Kind = "parse_failed"
	KindUnreachable        Kind = "unreachable"
	KindRequestError       Kind = "request_error"
	KindHTTPStatus         Kind = "http_status"
)

// Error is a typed orchestrator error. Code is a stable machine-readable
// identifier (e.g. "UNREACHABLE", "HTTP_502"); Message is human-readable and
// safe to surface to clients; Details carries optional structured context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any

	// Status is the remote HTTP status for KindHTTPStatus errors, 0 otherwise.
	Status int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// HTTPCode maps the error kind to the status the public API should return.
func (e *Error) HTTPCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindInvalidFormat, KindConversionFailed,
		KindNoConversionPath, KindIncompatiblePlugin, KindParseFailed:
		return http.StatusBadRequest
	case KindPluginUnavailable, KindUnreachable:
		return http.StatusServiceUnavailable
	case KindHTTPStatus:
		if e.Status >= 400 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsDetails renders the error as the wire-level error object used inside
// task results and API error bodies.
func (e *Error) AsDetails() map[string]any {
	out := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		out["details"] = e.Details
	}
	return out
}

// New constructs a typed error. The code defaults to the upper-cased kind
// when empty.
func New(kind Kind, code, format string, args ...any) *Error {
	if code == "" {
		code = defaultCode(kind)
	}
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, "NOT_FOUND", format, args...)
}

// BadRequest reports invalid caller input.
func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, "BAD_REQUEST", format, args...)
}

// NoConversionPath reports that no conversion chain connects two formats.
func NoConversionPath(source, target string) *Error {
	return New(KindNoConversionPath, "NO_CONVERSION_PATH",
		"no conversion path from %s to %s", source, target)
}

// ConversionFailed reports a conversion step that raised.
func ConversionFailed(format string, args ...any) *Error {
	return New(KindConversionFailed, "CONVERSION_FAILED", format, args...)
}

// IncompatiblePlugin reports a plugin that cannot serve the request.
func IncompatiblePlugin(format string, args ...any) *Error {
	return New(KindIncompatiblePlugin, "INCOMPATIBLE_PLUGIN", format, args...)
}

// ParseFailed reports a payload that could not be parsed into an artifact.
func ParseFailed(format string, args ...any) *Error {
	return New(KindParseFailed, "PARSE_FAILED", format, args...)
}

// InvalidFormat reports an unknown or unsupported format tag.
func InvalidFormat(format string, args ...any) *Error {
	return New(KindInvalidFormat, "INVALID_FORMAT", format, args...)
}

// Unreachable reports a connection that could not be established.
func Unreachable(service string, cause error) *Error {
	return New(KindUnreachable, "UNREACHABLE", "%s is unreachable: %v", service, cause)
}

// RequestError reports a transport failure other than connection refusal.
func RequestError(service string, cause error) *Error {
	return New(KindRequestError, "REQUEST_ERROR", "request to %s failed: %v", service, cause)
}

// HTTPStatus reports a non-2xx remote response whose body carried no usable
// structured error.
func HTTPStatus(status int) *Error {
	e := New(KindHTTPStatus, fmt.Sprintf("HTTP_%d", status), "HTTP %d", status)
	e.Status = status
	return e
}

// FromWire builds a KindHTTPStatus error from a structured remote error body.
func FromWire(status int, code, message string, details map[string]any) *Error {
	e := &Error{Kind: KindHTTPStatus, Code: code, Message: message, Details: details, Status: status}
	if e.Code == "" {
		e.Code = fmt.Sprintf("HTTP_%d", status)
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d", status)
	}
	return e
}

// KindOf extracts the kind from an error chain, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the typed error from a chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "NOT_FOUND"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindInvalidFormat:
		return "INVALID_FORMAT"
	case KindConversionFailed:
		return "CONVERSION_FAILED"
	case KindNoConversionPath:
		return "NO_CONVERSION_PATH"
	case KindPluginUnavailable:
		return "PLUGIN_UNAVAILABLE"
	case KindIncompatiblePlugin:
		return "INCOMPATIBLE_PLUGIN"
	case KindParseFailed:
		return "PARSE_FAILED"
	case KindUnreachable:
		return "UNREACHABLE"
	case KindRequestError:
		return "REQUEST_ERROR"
	default:
		return "ERROR"
	}
}
