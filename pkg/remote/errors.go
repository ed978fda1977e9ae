package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrIncompatibleProtocol is returned when the service answers 400, which it
// uses to signal that the client speaks the wrong sync protocol.
var ErrIncompatibleProtocol = errors.New("incompatible sync protocol")

// StatusError is an unexpected HTTP status from the remote service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// CheckStatus maps a response onto the error taxonomy shared by all
// storage requests: 200 passes, 400 is a protocol mismatch and anything else
// is a StatusError.
func CheckStatus(method, target string, resp *Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("%s %s: %w", method, target, ErrIncompatibleProtocol)
	default:
		return &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(resp.Body), 256),
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
