package errcode

import "fmt"

// Error represents a coded client error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// Is reports whether target carries the same code, so wrapped errors still match
// their predefined sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Msg:  fmt.Sprintf("%s: %v", e.Msg, err),
	}
}

// Error taxonomy of the sync engine
var (
	// Transport/HTTP failure or non-2xx response from the conversation store
	ErrNetwork = New(1001, "network error")

	// Invalid input: blank message text, unknown conversation selected
	ErrValidation = New(1002, "validation error")

	// A push event referenced a conversation that is not known locally
	ErrStateInconsistency = New(1003, "state inconsistency")

	ErrNoActiveConversation = New(1004, "no active conversation")
	ErrConvNotFound         = New(1005, "conversation not found")
	ErrMessageNotFound      = New(1006, "message not found")
	ErrNotRetryable         = New(1007, "message is not in failed state")
	ErrEngineClosed         = New(1008, "engine closed")
)
