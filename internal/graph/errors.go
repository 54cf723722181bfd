package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/project-kessel/dirfed/internal/service"
)

// RemoteError is a failure reported by, or on the way to, a directory endpoint.
type RemoteError struct {
	// Request is the batch request id ("users", "groups") or "batch" for the envelope
	Request string

	// StatusCode is the HTTP status, or 0 when no response was received
	StatusCode int

	// Code and Message come from the directory's error body when present
	Code    string
	Message string

	// Err is the underlying transport error, if any
	Err error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s: request failed: %v", e.Request, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: status %d: %s: %s", e.Request, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Request, e.StatusCode)
	}
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed: transport failures,
// throttling and server-side errors.
func (e *RemoteError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return e.Err != nil
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Is matches service.ErrAuthorizationDenied for 401 and 403 responses.
func (e *RemoteError) Is(target error) bool {
	if target != service.ErrAuthorizationDenied {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newRemoteError builds a RemoteError from a non-success status and its body.
func newRemoteError(request string, status int, body []byte) *RemoteError {
	e := &RemoteError{Request: request, StatusCode: status}
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Code = eb.Error.Code
		e.Message = eb.Error.Message
	}
	return e
}

// transportError wraps a failed round trip. The cause stays reachable through
// Unwrap, so a spent context budget is still recognized as such.
//
// A token endpoint that rejects the client credentials (400 or 401) is reported
// as 401, since no retry can fix a bad secret.
func transportError(request string, err error) error {
	var tokenErr *oauth2.RetrieveError
	if errors.As(err, &tokenErr) && tokenErr.Response != nil {
		status := tokenErr.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		}
		return &RemoteError{
			Request:    request,
			StatusCode: status,
			Code:       tokenErr.ErrorCode,
			Message:    tokenErr.ErrorDescription,
			Err:        err,
		}
	}
	return &RemoteError{Request: request, Err: err}
}
