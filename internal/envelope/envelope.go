// Package envelope converts the backend's response shapes into one canonical
// {success, data, error} envelope. Some endpoints answer with the bare
// envelope, others wrap it in a JSON-RPC 2.0 layer; callers never see the
// difference.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const ProtocolVersion = "2.0"

var ErrMalformed = errors.New("malformed response body")

type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// HasData reports whether the data key was present, including a literal null.
func (e Envelope) HasData() bool {
	return len(e.Data) > 0
}

// ErrorPayload is either a bare string or {code?, message, details?} on the
// wire. Bare records which form was decoded so re-encoding is lossless.
type ErrorPayload struct {
	Message string
	Code    string
	Details json.RawMessage
	Bare    bool
}

func (p *ErrorPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = ErrorPayload{}
		return nil
	}
	if trimmed[0] == '"' {
		var message string
		if err := json.Unmarshal(trimmed, &message); err != nil {
			return err
		}
		*p = ErrorPayload{Message: message, Bare: true}
		return nil
	}
	var obj struct {
		Code    json.RawMessage `json:"code"`
		Message json.RawMessage `json:"message"`
		Details json.RawMessage `json:"details"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: error payload: %v", ErrMalformed, err)
	}
	out := ErrorPayload{
		Code:    scalarString(obj.Code),
		Message: scalarString(obj.Message),
	}
	switch {
	case isPresent(obj.Details):
		out.Details = append(json.RawMessage(nil), obj.Details...)
	case isPresent(obj.Data):
		// JSON-RPC servers carry the detail blob under "data".
		out.Details = append(json.RawMessage(nil), obj.Data...)
	}
	*p = out
	return nil
}

func (p ErrorPayload) MarshalJSON() ([]byte, error) {
	if p.Bare {
		return json.Marshal(p.Message)
	}
	obj := struct {
		Code    string          `json:"code,omitempty"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	}{
		Code:    p.Code,
		Message: p.Message,
		Details: p.Details,
	}
	return json.Marshal(obj)
}

// Normalize returns the canonical envelope for a raw response body.
//
//   - {"jsonrpc":"2.0","result":E}  -> E
//   - {"jsonrpc":"2.0","error":P}   -> {success:false, error:P}
//   - anything else                 -> the body itself, duck-typed on "success"
//
// Bodies that are not JSON objects yield ErrMalformed.
func Normalize(raw []byte) (Envelope, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return Envelope{}, err
	}
	if versionRaw, ok := fields["jsonrpc"]; ok && scalarString(versionRaw) == ProtocolVersion {
		if result, ok := fields["result"]; ok && isPresent(result) {
			return decodeEnvelope(result)
		}
		if errRaw, ok := fields["error"]; ok && isPresent(errRaw) {
			var payload ErrorPayload
			if err := json.Unmarshal(errRaw, &payload); err != nil {
				return Envelope{}, err
			}
			return Envelope{Success: false, Error: &payload}, nil
		}
	}
	return envelopeFromFields(fields)
}

// NormalizeValue runs Normalize on an already-decoded value.
func NormalizeValue(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Normalize(raw)
}

// IsUnauthorized reports the soft authentication failure: a failed envelope
// whose error message is "unauthorized" in any letter case.
func IsUnauthorized(env Envelope) bool {
	if env.Success || env.Error == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(env.Error.Message), "unauthorized")
}

// BodyIsUnauthorized is IsUnauthorized for a raw body. Bodies that do not
// normalize are never unauthorized.
func BodyIsUnauthorized(raw []byte) bool {
	env, err := Normalize(raw)
	if err != nil {
		return false
	}
	return IsUnauthorized(env)
}

func decodeEnvelope(raw json.RawMessage) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Envelope{}, nil
	}
	fields, err := objectFields(trimmed)
	if err != nil {
		return Envelope{}, err
	}
	return envelopeFromFields(fields)
}

func envelopeFromFields(fields map[string]json.RawMessage) (Envelope, error) {
	var env Envelope
	if raw, ok := fields["success"]; ok {
		env.Success = bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
	}
	if raw, ok := fields["data"]; ok {
		env.Data = append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
	}
	if raw, ok := fields["error"]; ok && isPresent(raw) {
		var payload ErrorPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Envelope{}, err
		}
		env.Error = &payload
	}
	return env, nil
}

func objectFields(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fields, nil
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func scalarString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
		return ""
	}
	if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
