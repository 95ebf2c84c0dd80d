package offer

import (
	"encoding/json"
	"errors"
)

// Result is the envelope returned by every engine entry point.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

func ok[T any](v T) Result[T] {
	return Result[T]{Success: true, Data: &v}
}

func failed[T any](e *Error) Result[T] {
	return Result[T]{Error: e}
}

// asError converts any failure into the caller-visible shape. Storage and
// programming errors collapse into INTERNAL_ERROR; lost races become
// CONCURRENT_MODIFICATION.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrConflict) {
		return &Error{
			Code:        CodeConcurrentModification,
			Message:     "the offer was modified concurrently; reload and retry",
			Suggestions: []string{"fetch the latest offer state before retrying"},
			cause:       err,
		}
	}
	return &Error{Code: CodeInternal, Message: "an internal error occurred", cause: err}
}

// MarshalJSON tags details with their kind so clients can switch on it.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code        Code           `json:"code"`
		Message     string         `json:"message"`
		Details     map[string]any `json:"details,omitempty"`
		Suggestions []string       `json:"suggestions,omitempty"`
	}
	w := wire{Code: e.Code, Message: e.Message, Suggestions: e.Suggestions}
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &w.Details); err != nil {
			return nil, err
		}
		w.Details["kind"] = e.Details.Kind()
	}
	return json.Marshal(w)
}
