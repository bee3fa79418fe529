package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/baburama/notebuddy/internal/apperr"
)

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// JSON builds a request whose body is v encoded as JSON.
func JSON(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("marshaling request: %w", err)
	}
	return Request{Method: method, Path: path, Body: body, ContentType: "application/json"}, nil
}

// Multipart builds a multipart/form-data body with one file part and
// optional plain fields. It returns the body and its content type.
func Multipart(field, filename string, data []byte, extra map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("writing form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

type errorBody struct {
	Error string `json:"error"`
}

// DecodeJSON closes resp.Body after decoding it into v. Responses with status
// >= 400 become an *apperr.Error carrying the backend's "error" field.
// A nil v discards the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return StatusError(resp)
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// StatusError classifies a failed response. It reads but does not close the body.
func StatusError(resp *http.Response) error {
	op := ""
	if resp.Request != nil {
		op = resp.Request.Method + " " + resp.Request.URL.Path
	}

	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &body)

	kind := kindForStatus(resp.StatusCode)
	msg := body.Error
	if msg == "" {
		msg = defaultStatusMessage(kind, resp.StatusCode)
	}
	return &apperr.Error{Kind: kind, Op: op, Message: msg, Status: resp.StatusCode}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindSessionExpired
	case http.StatusRequestEntityTooLarge:
		return apperr.KindPayloadTooLarge
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return apperr.KindBackendUnavailable
	case http.StatusGatewayTimeout:
		return apperr.KindTimeoutExceeded
	default:
		return apperr.KindUnknown
	}
}

func defaultStatusMessage(kind apperr.Kind, status int) string {
	switch kind {
	case apperr.KindUnknown, apperr.KindValidation:
		return fmt.Sprintf("Request failed (HTTP %d).", status)
	default:
		return apperr.DefaultMessage(kind)
	}
}

// retryCount resolves an Options retry count: zero is the default and a
// negative value means none.
func retryCount(n, def int) int {
	switch {
	case n == 0:
		return def
	case n < 0:
		return 0
	}
	return n
}
