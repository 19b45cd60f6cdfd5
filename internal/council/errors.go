package council

import (
	"errors"
	"fmt"
)

var errMalformed = errors.New("malformed council response")

// RequestError is returned for every failed call to the council backend: transport
// failures, non-2xx responses and payloads that do not decode.
//
// Message carries the backend's "detail" text when it sent one and is empty otherwise;
// callers pick their own fallback for display.
type RequestError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("council http %d: %s", e.StatusCode, e.Message)
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("council http %d: %v", e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("council http %d", e.StatusCode)
	case e.Message != "":
		return "council request failed: " + e.Message
	case e.Err != nil:
		return "council request failed: " + e.Err.Error()
	default:
		return "council request failed"
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err came from a response body that could not be decoded
// into a council result.
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformed)
}
