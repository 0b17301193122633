package lmsapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
	// Fields holds per-field validation messages, if the API returned any.
	Fields map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// APIMessage returns the upstream message, suitable for display.
func (e *Error) APIMessage() string { return e.Message }

// IsUnauthorized reports whether err is a 401 API response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// StatusCode returns the HTTP status of an API error, or 0 for any other error.
func StatusCode(err error) int {
	if apiErr, ok := errors.Cause(err).(*Error); ok {
		return apiErr.StatusCode
	}
	return 0
}

// newError builds an *Error out of the response body. Recognized shapes:
// {"detail": msg}, {"error": msg}, {"message": msg} and {"field": msg | [msg...]}.
func newError(res *http.Response) *Error {
	apiErr := &Error{StatusCode: res.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" || len(apiErr.Message) > 200 {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		return apiErr
	}

	for _, key := range []string{"detail", "error", "message"} {
		if msg, ok := body[key].(string); ok && msg != "" {
			apiErr.Message = msg
			return apiErr
		}
	}

	fields := make(map[string]string, len(body))
	for key, val := range body {
		switch v := val.(type) {
		case string:
			fields[key] = v
		case []interface{}:
			if len(v) > 0 {
				fields[key] = fmt.Sprint(v[0])
			}
		}
	}
	if len(fields) == 0 {
		apiErr.Message = http.StatusText(res.StatusCode)
		return apiErr
	}
	apiErr.Fields = fields

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	apiErr.Message = keys[0] + ": " + fields[keys[0]]
	return apiErr
}
