// Package errors defines the error taxonomy returned to callers of the
// dispatcher. Every error carries a numeric errno, a machine-readable code
// and a human message; transports preserve the code and map it to their own
// status space.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Code tags the kind of error.
type Code string

const (
	CodeValidation  Code = "VALIDATION"
	CodeAuth        Code = "AUTH_ERR"
	CodeAccess      Code = "EACCES"
	CodeNotSupp     Code = "EOPNOTSUPP"
	CodeNotFound    Code = "ENOENT"
	CodeExists      Code = "EEXIST"
	CodeBusy        Code = "EBUSY"
	CodeInterrupted Code = "EINTR"
	CodeTimeout     Code = "ETIMEDOUT"
	CodeInternal    Code = "INTERNAL"
)

// errno values follow the usual unix numbering where one exists.
var errnos = map[Code]int{
	CodeValidation:  22, // EINVAL
	CodeAuth:        13,
	CodeAccess:      13,
	CodeNotSupp:     95,
	CodeNotFound:    2,
	CodeExists:      17,
	CodeBusy:        16,
	CodeInterrupted: 4,
	CodeTimeout:     110,
	CodeInternal:    0,
}

var httpStatuses = map[Code]int{
	CodeValidation:  http.StatusUnprocessableEntity,
	CodeAuth:        http.StatusUnauthorized,
	CodeAccess:      http.StatusForbidden,
	CodeNotSupp:     http.StatusMethodNotAllowed,
	CodeNotFound:    http.StatusNotFound,
	CodeExists:      http.StatusConflict,
	CodeBusy:        http.StatusConflict,
	CodeInterrupted: http.StatusConflict,
	CodeTimeout:     http.StatusGatewayTimeout,
	CodeInternal:    http.StatusInternalServerError,
}

// Error is the caller-visible error envelope.
type Error struct {
	Code    Code           `json:"code"`
	Errno   int            `json:"errno"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// CorrelationID ties an INTERNAL error to the server-side log line that
	// carries its cause. Not serialized; the message already names it.
	CorrelationID string `json:"-"`
	cause         error
}

// Unwrap exposes the wrapped cause of an INTERNAL error to the standard
// errors helpers. Nil for errors built from a message.
func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HTTPStatus returns the REST mapping for the error code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatuses[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetails attaches a detail key/value and returns the error.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Errno: errnos[code], Message: message}
}

// AuthFailed is intentionally coarse: it never distinguishes an unknown
// account from a wrong password.
func AuthFailed() *Error {
	return newError(CodeAuth, "authentication failed")
}

// Access reports an authorization denial with the roles that would have
// permitted the call.
func Access(method string, missing []string) *Error {
	e := newError(CodeAccess, fmt.Sprintf("not authorized to call %s", method))
	if len(missing) > 0 {
		e = e.WithDetails("required_roles", missing)
	}
	return e
}

// NotSupported reports an operation or mechanism forbidden in the current
// mode, distinct from an authentication failure so clients can fall back.
func NotSupported(what string) *Error {
	return newError(CodeNotSupp, what+" is not permitted in the current configuration")
}

func NotFound(what string) *Error  { return newError(CodeNotFound, what+" does not exist") }
func Exists(what string) *Error    { return newError(CodeExists, what+" already exists") }
func Busy(message string) *Error   { return newError(CodeBusy, message) }
func Aborted(message string) *Error {
	return newError(CodeInterrupted, message)
}
func Timeout(method string) *Error {
	return newError(CodeTimeout, fmt.Sprintf("call to %s timed out", method))
}

// Internal wraps an unhandled failure. The caller only sees a correlation id;
// the cause stays attached for the conversion site to log against that id.
func Internal(err error) (*Error, string) {
	id := uuid.NewString()
	e := newError(CodeInternal, "internal error, correlation id "+id)
	e.CorrelationID = id
	e.cause = err
	return e, id
}

// FieldError describes one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Validation aggregates schema violations so transports can report every
// field at once.
type Validation struct {
	Fields []FieldError `json:"fields"`
}

func (v *Validation) Error() string {
	if len(v.Fields) == 1 {
		return fmt.Sprintf("[VALIDATION] %s: %s", v.Fields[0].Path, v.Fields[0].Message)
	}
	return fmt.Sprintf("[VALIDATION] %d field errors", len(v.Fields))
}

// Add appends a field error.
func (v *Validation) Add(path, message, code string) {
	v.Fields = append(v.Fields, FieldError{Path: path, Message: message, Code: code})
}

// Empty reports whether any violation was recorded.
func (v *Validation) Empty() bool { return len(v.Fields) == 0 }

// Envelope converts a validation error set into the caller-visible form.
func (v *Validation) Envelope() *Error {
	e := newError(CodeValidation, v.Error()[len("[VALIDATION] "):])
	return e.WithDetails("fields", v.Fields)
}

// AsError extracts an *Error from err, wrapping foreign errors as INTERNAL.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var val *Validation
	if errors.As(err, &val) {
		return val.Envelope()
	}
	wrapped, _ := Internal(err)
	return wrapped
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	if code == CodeValidation {
		var val *Validation
		return errors.As(err, &val)
	}
	return false
}
