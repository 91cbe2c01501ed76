// Package apierror defines the error returned by HTTP data sources. It carries
// the HTTP status so that fetchers and the query cache can tell errors that
// are worth retrying from errors that are not.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the type of error returned by an HTTP data source. It contains an
// HTTP status code so that API clients can interpret the error message.
type Error struct {
	err    error
	status int
}

// ErrorMessage is the JSON form of an Error written in response bodies.
type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
}

var serverError []byte

func init() {
	// Make sure there is always an error to return in case encoding fails
	e := ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
		Status:  http.StatusInternalServerError,
	}

	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse creates an error from a non-success response. If the body is
// an encoded ErrorMessage, the message is decoded from it. Otherwise the
// trimmed body text is the message.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var msg ErrorMessage
		if json.Unmarshal([]byte(text), &msg) == nil && msg.Message != "" {
			text = msg.Message
		}
	}
	if text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

// Temporary returns true if the status indicates a condition that may clear
// up by itself: request timeout, too many requests, or a server error other
// than not implemented.
func (e *Error) Temporary() bool {
	switch {
	case e.status == http.StatusRequestTimeout, e.status == http.StatusTooManyRequests:
		return true
	case e.status == http.StatusNotImplemented:
		return false
	case e.status >= 500:
		return true
	}
	return false
}

func (e *Error) Text() string {
	parts := make([]string, 0, 5)
	if e.status != 0 {
		parts = append(parts, fmt.Sprintf("%d", e.status))
		text := http.StatusText(e.status)
		if text != "" {
			parts = append(parts, " ")
			parts = append(parts, text)
		}
	}
	if e.err != nil {
		if len(parts) != 0 {
			parts = append(parts, ": ")
		}
		parts = append(parts, e.err.Error())
	}

	return strings.Join(parts, "")
}

func (e *Error) Unwrap() error {
	return e.err
}

// StatusOf returns the HTTP status of the first Error in err's chain, or 0 if
// there is none.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status()
	}
	return 0
}

// IsNotFound returns true if err carries a 404 status.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// EncodeError returns the JSON form of err, suitable for a response body.
func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}

	e := ErrorMessage{
		Message: err.Error(),
		Status:  StatusOf(err),
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}

func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var e ErrorMessage
	err := json.Unmarshal(data, &e)
	if err != nil {
		return fmt.Errorf("cannot decode error message: %s", err)
	}

	err = errors.New(e.Message)
	if e.Status == 0 {
		return err
	}
	return New(err, e.Status)
}

// WriteError writes err to w as an encoded ErrorMessage. The response status
// is taken from err, or is 500 if err has no status.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(EncodeError(err))
}
