package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Kind classifies an Error so callers can decide whether to surface, swallow or drop it.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindTransport         Kind = "transport"
	KindGatewayDecline    Kind = "gateway_decline"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindProtocol          Kind = "protocol"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// Error represents an application error
type Error struct {
	Kind    Kind     `json:"kind"`
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
	Err     error    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Missing) > 0 {
		msg = fmt.Sprintf("%s: missing %s", msg, strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a new Error
func New(kind Kind, code int, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Sentinels for errors.Is checks. Never mutate them; use the constructors.
var (
	ErrConfiguration     = New(KindConfiguration, http.StatusServiceUnavailable, "payment gateway is not configured", nil)
	ErrTransport         = New(KindTransport, http.StatusBadGateway, "payment gateway unreachable", nil)
	ErrGatewayDecline    = New(KindGatewayDecline, http.StatusPaymentRequired, "payment gateway declined the request", nil)
	ErrSignatureMismatch = New(KindSignatureMismatch, http.StatusUnauthorized, "check value mismatch", nil)
	ErrProtocol          = New(KindProtocol, http.StatusBadRequest, "malformed message", nil)
	ErrValidation        = New(KindValidation, http.StatusBadRequest, "validation error", nil)
)

// Configuration reports missing or placeholder credential fields.
func Configuration(missing ...string) *Error {
	e := New(KindConfiguration, http.StatusServiceUnavailable, "payment gateway is not configured", nil)
	e.Missing = missing
	return e
}

// Transport wraps a network failure or a non-2xx response.
func Transport(message string, err error) *Error {
	return New(KindTransport, http.StatusBadGateway, message, err)
}

// GatewayDecline carries the gateway's own message when it answered success:false.
func GatewayDecline(message string) *Error {
	if message == "" {
		message = "payment gateway declined the request"
	}
	return New(KindGatewayDecline, http.StatusPaymentRequired, message, nil)
}

// SignatureMismatch is returned when an inbound check value does not verify.
func SignatureMismatch(message string) *Error {
	return New(KindSignatureMismatch, http.StatusUnauthorized, message, nil)
}

// Protocol wraps a frame or payload that could not be decoded.
func Protocol(message string, err error) *Error {
	return New(KindProtocol, http.StatusBadRequest, message, err)
}

// Validation reports a caller-supplied field that is unusable.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Error middleware for Gin
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Check if there are any errors
		if len(c.Errors) > 0 {
			appErr := toAppError(c.Errors.Last().Err)
			c.JSON(appErr.Code, appErr)
			c.Abort()
		}
	}
}

func toAppError(err error) *Error {
	if appErr, ok := As(err); ok {
		return appErr
	}
	return New(KindInternal, http.StatusInternalServerError, "internal server error", err)
}
