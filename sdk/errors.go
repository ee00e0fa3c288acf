package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// maxErrorBody caps how much of an error body ends up in Error.Msg
const maxErrorBody = 256

// Error represents a non-2xx API response
type Error struct {
	StatusCode int    `json:"status_code"`
	Msg        string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("status: %d, msg: %s", e.StatusCode, e.Msg)
}

// NewError creates a new error
func NewError(statusCode int, msg string) *Error {
	return &Error{StatusCode: statusCode, Msg: msg}
}

// newStatusError builds an Error from a response body, preferring a JSON
// {"message": ...} or {"msg": ...} field when the backend sends one.
func newStatusError(statusCode int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			return NewError(statusCode, payload.Message)
		case payload.Msg != "":
			return NewError(statusCode, payload.Msg)
		case payload.Error != "":
			return NewError(statusCode, payload.Error)
		}
	}

	msg := string(body)
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return NewError(statusCode, msg)
}

// IsStatus reports whether err is an API error with the given status code
func IsStatus(err error, statusCode int) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}

// IsNotFound reports whether err is a 404 API error
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}
