package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const DefaultErrorMessage = "Unexpected API response"

// ErrUnauthorized marks a detected session loss, soft or hard.
var ErrUnauthorized = errors.New("Unauthorized")

// APIError is the typed error surfaced for failed envelopes. Details is the
// backend's free-form blob; callers may map it to fields on a best-effort basis.
type APIError struct {
	Message    string
	Code       string
	Details    json.RawMessage
	StatusCode int

	cause error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.cause
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && strings.EqualFold(strings.TrimSpace(e.Message), "unauthorized")
}

// NewUnauthorized is the error every caller receives after a session teardown.
func NewUnauthorized(statusCode int) *APIError {
	return &APIError{Message: "Unauthorized", Code: "unauthorized", StatusCode: statusCode, cause: ErrUnauthorized}
}

// FromPayload builds an APIError from an envelope error payload. A nil or
// empty payload gets DefaultErrorMessage.
func FromPayload(p *ErrorPayload) *APIError {
	if p == nil {
		return &APIError{Message: DefaultErrorMessage}
	}
	message := p.Message
	if strings.TrimSpace(message) == "" {
		message = DefaultErrorMessage
	}
	if p.Bare {
		return &APIError{Message: message}
	}
	return &APIError{
		Message: message,
		Code:    p.Code,
		Details: p.Details,
	}
}

// Unwrap normalizes raw and returns its data, or the typed error built from
// the envelope's error payload.
func Unwrap(raw []byte) (json.RawMessage, error) {
	env, err := Normalize(raw)
	if err != nil {
		return nil, &APIError{Message: DefaultErrorMessage, cause: err}
	}
	return UnwrapEnvelope(env)
}

func UnwrapEnvelope(env Envelope) (json.RawMessage, error) {
	if env.Success && env.HasData() {
		return env.Data, nil
	}
	return nil, FromPayload(env.Error)
}

// UnwrapInto is Unwrap followed by decoding data into T.
func UnwrapInto[T any](raw []byte) (T, error) {
	var out T
	data, err := Unwrap(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &APIError{Message: DefaultErrorMessage, cause: err}
	}
	return out, nil
}

// ResponseError is implemented by transport errors that carry the HTTP
// response they failed on.
type ResponseError interface {
	error
	ResponseStatus() int
	ResponseBody() []byte
}

// ToAPIError converts any error from a catch site into an APIError: typed
// errors pass through, HTTP errors have their body normalized, everything
// else keeps the transport message.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var respErr ResponseError
	if errors.As(err, &respErr) {
		status := respErr.ResponseStatus()
		if env, nerr := Normalize(respErr.ResponseBody()); nerr == nil && !env.Success && env.Error != nil {
			out := FromPayload(env.Error)
			out.StatusCode = status
			out.cause = err
			return out
		}
		return &APIError{Message: messageOrDefault(err), StatusCode: status, cause: err}
	}
	return &APIError{Message: messageOrDefault(err), cause: err}
}

func messageOrDefault(err error) string {
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return DefaultErrorMessage
}
