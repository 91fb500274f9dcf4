// Package graph holds what the Facebook and Instagram connectors share about
// the Meta Graph API: the HTTP client and error decoding.
package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the versioned Graph API root.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Error is the error object returned by the Graph API.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph api: %s (type=%s code=%d)", e.Message, e.Type, e.Code)
}

// ErrorEnvelope wraps Error in API responses.
type ErrorEnvelope struct {
	Error *Error `json:"error"`
}

// NewClient returns a resty client for the Graph API.
func NewClient(timeout time.Duration) *resty.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	return client
}

// BaseURL trims a configured base URL or returns the default.
func BaseURL(configured string) string {
	if s := strings.TrimRight(configured, "/"); s != "" {
		return s
	}
	return DefaultBaseURL
}

// Check converts a failed call into an error naming op.
func Check(op string, resp *resty.Response, err error, env *ErrorEnvelope) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		if env != nil && env.Error != nil {
			return fmt.Errorf("%s: %w", op, env.Error)
		}
		return fmt.Errorf("%s: status %d", op, resp.StatusCode())
	}
	return nil
}
