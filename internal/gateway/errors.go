package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Every error returned by the gateway wraps exactly one of these.
var (
	// ErrAuthExpired means the stored credential was absent or past its
	// expiry when the server rejected the call. The session has been cleared.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrAuthRejected means the server returned 401 while the local
	// credential still looks valid. The session is left intact.
	ErrAuthRejected = errors.New("authentication rejected")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	// ErrTransient covers network failures and 5xx responses.
	ErrTransient = errors.New("transient failure")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	// Detail is the server-provided message, if any.
	Detail string
	kind   error
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *StatusError) Unwrap() error { return e.kind }

// Kind returns the taxonomy sentinel err wraps, or nil when it wraps none.
func Kind(err error) error {
	for _, k := range []error{ErrAuthExpired, ErrAuthRejected, ErrNotFound, ErrBadRequest, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Detail extracts the server message from err, falling back to err.Error().
func Detail(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	return err.Error()
}

// classify maps an HTTP status to an error kind. 401 is handled by the
// caller because it depends on the session.
func classify(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	case status >= 400:
		return ErrBadRequest
	}
	return nil
}

// NewStatusError builds a StatusError for a response body, reading the
// FastAPI-style {"detail": ...} envelope when present.
func NewStatusError(method, path string, status int, body []byte, kind error) *StatusError {
	if kind == nil {
		kind = classify(status)
	}
	return &StatusError{
		Method: method,
		Path:   path,
		Status: status,
		Detail: parseDetail(body),
		kind:   kind,
	}
}

func parseDetail(body []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return strings.TrimSpace(string(body))
	}
	if env.Error != "" {
		return env.Error
	}
	if len(env.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return s
	}
	// Validation errors come back as a list of {loc, msg, type}.
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(env.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return string(env.Detail)
}
