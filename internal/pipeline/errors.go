package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/ledgersync/internal/envelope"
)

// HTTPError is returned for non-2xx responses that are not session loss.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) ResponseStatus() int {
	return e.StatusCode
}

func (e *HTTPError) ResponseBody() []byte {
	return e.Body
}

func newHTTPError(status int, body []byte) *HTTPError {
	out := &HTTPError{StatusCode: status, Body: body}
	if env, err := envelope.Normalize(body); err == nil && env.Error != nil {
		out.Code = env.Error.Code
		out.Message = env.Error.Message
	} else {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errPayload)
		out.Code = errPayload.Code
		out.Message = errPayload.Message
	}
	if strings.TrimSpace(out.Message) == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
