// Package errors defines the error taxonomy shared by the stamp retrieval
// layers and its mapping onto HTTP status codes at the boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Tier-level outcomes. ErrNotFound is an expected miss that drives the
// fallback to the next tier; it is never surfaced to clients as-is.
var (
	ErrNotFound = stderrors.New("record not found in tier")
	// ErrNotPlaced is returned by a tier that cannot hold a record under the
	// given key. Write-backs treat it as a skip.
	ErrNotPlaced = stderrors.New("record cannot be placed in tier")

	ErrOriginMismatch    = stderrors.New("origin response does not match request")
	ErrOriginUnavailable = stderrors.New("origin unavailable")
	ErrOriginMalformed   = stderrors.New("origin response malformed")
)

// Request-level outcomes.
var (
	// ErrRecordNotFound is the uniform outcome once every tier has missed.
	ErrRecordNotFound = stderrors.New("AVRO not found")
	// ErrDecode is returned for records that cannot be decoded.
	ErrDecode = stderrors.New("malformed AVRO record")
	// ErrMissingCutout is returned when a decoded record lacks the requested stamp.
	ErrMissingCutout = stderrors.New("stamp not found in record")
)

// Client input errors. These are detected before any tier is touched.
var (
	ErrInvalidKey        = stderrors.New("invalid alert identifier")
	ErrUnknownCutoutType = stderrors.New("unrecognized stamp type")
	ErrInvalidFormat     = stderrors.New("unrecognized stamp format")
	ErrUnknownSurvey     = stderrors.New("unknown survey")
	ErrMissingParameter  = stderrors.New("missing required parameter")
	ErrTooLarge          = stderrors.New("request body too large")
)

// Authorization errors.
var (
	ErrUnauthorized = stderrors.New("invalid credentials")
	ErrForbidden    = stderrors.New("access to resource denied")
)

// StampError is an error with a machine-readable code and the HTTP status the
// boundary should answer with.
type StampError struct {
	// Code is a short identifier such as "NotFound" or "InvalidKey".
	Code string
	// Message is a human-readable description.
	Message string
	// HTTPStatus is the status code returned to the client.
	HTTPStatus int
	// Err is the classified cause.
	Err error
}

// Error implements the error interface.
func (e *StampError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Unwrap returns the classified cause.
func (e *StampError) Unwrap() error {
	return e.Err
}

type classification struct {
	err    error
	code   string
	status int
}

// classes is checked in order; the first sentinel matched by errors.Is wins.
var classes = []classification{
	{ErrInvalidKey, "InvalidKey", http.StatusBadRequest},
	{ErrUnknownCutoutType, "UnknownCutoutType", http.StatusBadRequest},
	{ErrInvalidFormat, "InvalidFormat", http.StatusBadRequest},
	{ErrUnknownSurvey, "UnknownSurvey", http.StatusBadRequest},
	{ErrMissingParameter, "MissingParameter", http.StatusBadRequest},
	{ErrTooLarge, "TooLarge", http.StatusBadRequest},
	{ErrUnauthorized, "Unauthorized", http.StatusUnauthorized},
	{ErrForbidden, "Forbidden", http.StatusForbidden},
	{ErrRecordNotFound, "NotFound", http.StatusNotFound},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrMissingCutout, "NotFound", http.StatusNotFound},
	{ErrDecode, "DecodeError", http.StatusInternalServerError},
}

// Classify converts err into a StampError. Client errors keep their detail;
// not-found and server errors carry only the sentinel text. Errors outside
// the taxonomy become an InternalError with a generic message.
func Classify(err error) *StampError {
	if err == nil {
		return nil
	}
	var se *StampError
	if stderrors.As(err, &se) {
		return se
	}
	for _, c := range classes {
		if stderrors.Is(err, c.err) {
			msg := c.err.Error()
			if c.status < http.StatusInternalServerError && c.status != http.StatusNotFound {
				msg = err.Error()
			}
			return &StampError{Code: c.code, Message: msg, HTTPStatus: c.status, Err: err}
		}
	}
	return &StampError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsOriginFailure reports whether err is one of the remote-origin failures.
func IsOriginFailure(err error) bool {
	return stderrors.Is(err, ErrOriginMismatch) ||
		stderrors.Is(err, ErrOriginUnavailable) ||
		stderrors.Is(err, ErrOriginMalformed)
}

// Is re-exports errors.Is so callers importing this package under its own
// name do not also need the standard library one.
func Is(err, target error) bool { return stderrors.Is(err, target) }
