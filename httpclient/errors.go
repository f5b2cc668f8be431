package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrNetwork is returned when no response reached the client.
	ErrNetwork = errors.New("network error")

	// ErrTimeout is returned when the call's deadline passed before a response.
	ErrTimeout = errors.New("request timed out")

	// ErrUnauthorized is returned for a 401 that could not be recovered.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation is returned for 4xx responses other than 401.
	ErrValidation = errors.New("request rejected")

	// ErrServer is returned for 5xx responses.
	ErrServer = errors.New("server error")
)

// NetworkError is returned when the call never produced a response.
type NetworkError struct {
	Method  string
	Path    string
	Timeout bool
	Cause   error
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, kind, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrNetwork) and, for deadline failures,
// errors.Is(err, ErrTimeout).
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork || (e.Timeout && target == ErrTimeout)
}

// AuthorizationError is a 401 the client could not recover from. Retried is
// true when the call was replayed once with a renewed credential and still
// rejected. Cause holds the renewal failure, if that is what stopped it.
type AuthorizationError struct {
	Method    string
	Path      string
	RequestID string
	Retried   bool
	Cause     error
}

func (e *AuthorizationError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s %s: unauthorized: %v", e.Method, e.Path, e.Cause)
	case e.Retried:
		return fmt.Sprintf("%s %s: unauthorized after credential renewal", e.Method, e.Path)
	default:
		return fmt.Sprintf("%s %s: unauthorized", e.Method, e.Path)
	}
}

func (e *AuthorizationError) Unwrap() error {
	return e.Cause
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// ValidationError is a 4xx response other than 401. The server's error body
// is decoded into Code, Message and Fields when it has a recognizable shape.
type ValidationError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     map[string]string
	Body       []byte
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, msg)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ServerError is a 5xx response.
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// errorBody covers the error shapes the platform returns.
type errorBody struct {
	Error            string            `json:"error"`
	ErrorDescription string            `json:"error_description"`
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	Detail           string            `json:"detail"`
	Fields           map[string]string `json:"fields"`
}

func newValidationError(status int, body []byte) *ValidationError {
	e := &ValidationError{StatusCode: status, Body: body}
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil {
		return e
	}
	e.Code = firstNonEmpty(eb.Code, eb.Error)
	e.Message = firstNonEmpty(eb.ErrorDescription, eb.Message, eb.Detail)
	e.Fields = eb.Fields
	return e
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
