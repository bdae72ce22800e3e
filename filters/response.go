package filters

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// ErrorBody is the JSON envelope of the error responses created by the
// gateway.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse creates a response with a JSON error envelope, that can be
// passed to FilterContext.Serve.
func ErrorResponse(status int, message string) *http.Response {
	if message == "" {
		message = http.StatusText(status)
	}

	b, err := json.Marshal(ErrorBody{Code: status, Message: message})
	if err != nil {
		// not reachable with the fixed envelope
		b = nil
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: int64(len(b)),
	}
}
