package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a failed response body is kept in an Error.
const maxErrorBody = 4096

// Error is returned for any failed call to an external service: transport
// failures, non-2xx responses and responses that do not match the expected
// schema. Callers match it with errors.As.
type Error struct {
	Service    string // "openai", "ollama", "algolia"
	Op         string // "embed", "chat", "search", ...
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an Error for a failure that happened before or without a response.
func Wrap(service, op string, err error) *Error {
	return &Error{Service: service, Op: op, Err: err}
}

// Malformed builds an Error for a 2xx response whose body did not match the schema.
func Malformed(service, op, format string, args ...any) *Error {
	return &Error{Service: service, Op: op, Err: fmt.Errorf("malformed response: "+format, args...)}
}

// FromResponse builds an Error from a non-2xx response, keeping a prefix of the body.
// It does not close the body.
func FromResponse(service, op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Service: service, Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

// Is reports whether err carries an *Error anywhere in its chain.
func Is(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
