package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return errors.New("api: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPError is returned for responses with a status of 400 or above.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func newHTTPError(method, path string, status int, body []byte) *HTTPError {
	e := &HTTPError{Method: method, Path: path, StatusCode: status, Body: body}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Message = payload.Error
		if e.Message == "" {
			e.Message = payload.Message
		}
	}
	return e
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not an
// HTTP response error (network failure, cancellation, encoding).
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

type tokenBody struct {
	AccessToken      string `json:"accessToken"`
	Token            string `json:"token"`
	SnakeAccessToken string `json:"access_token"`
}

func tokenFromBody(body []byte) (string, error) {
	var t tokenBody
	if err := json.Unmarshal(body, &t); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	for _, candidate := range []string{t.AccessToken, t.Token, t.SnakeAccessToken} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", ErrNoTokenInResponse
}
