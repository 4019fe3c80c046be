package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-success response from the master, carrying the
// response body for classification and operator diagnostics.
type APIError struct {
	Op     string // operation that failed, e.g. "create Invoice/INV-1"
	Status int    // HTTP status code
	Body   string // response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.Status, e.Body)
}

// asAPIError is a typed errors.As wrapper.
func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}

// permanentMarkers are response fragments that indicate the remote
// side can never satisfy the request: the record type is not
// installed, or the referenced record class does not exist. Matching
// is deliberately coarse - correctness only requires that genuinely
// unrecoverable errors stop consuming retry budget.
var permanentMarkers = []string{
	"does not exist",
	"not found",
	"unknown record type",
	"modulenotfounderror",
	"importerror",
}

// Permanent reports whether a push/pull error should be classified as
// permanent (skip, never retry) rather than transient (retry up to the
// attempt ceiling).
//
// Everything that is not recognizably permanent is transient: network
// failures, timeouts, validation errors and temporary server errors
// all stay eligible for retry.
func Permanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// Transport-level failures (timeouts, refused connections)
		// are always transient.
		return false
	}

	if apiErr.Status == http.StatusNotFound {
		return true
	}

	body := strings.ToLower(apiErr.Body)
	for _, marker := range permanentMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
