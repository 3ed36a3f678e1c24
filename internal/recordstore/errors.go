package recordstore

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRecordNotFound is returned when an operation targets an unknown record.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")
)

// APIError is a non-2xx response from the record store.
type APIError struct {
	StatusCode int
	// Message is the human-readable message sent by the server.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("record store: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err means the record or table does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrRecordNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Message returns the text to show a user for err: the server's message when the
// failure came from the store, otherwise the error string.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
