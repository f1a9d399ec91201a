// Package httputil holds the JSON plumbing shared by the API server and its
// client: response writers on one side, a request/decode path on the other.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// HTTPClient sends requests. *http.Client satisfies it; MockHTTPClient
// serves them from a handler in-process.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 4096

// StatusError is a non-2xx response. Message is the "error" field written
// by WriteJSONError, or the trimmed body when it is not JSON.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// GetJSON issues a GET for url and decodes the JSON body into v.
func GetJSON(ctx context.Context, c HTTPClient, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return DecodeJSON(resp, v)
}

// DecodeJSON decodes a 2xx response into v. Any other status yields a
// *StatusError. The body is not closed.
func DecodeJSON(resp *http.Response, v any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &body) != nil {
			body.Error = strings.TrimSpace(string(b))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		path := "response"
		if resp.Request != nil {
			path = resp.Request.URL.Path
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// MockHTTPClient answers requests by calling an http.Handler directly and
// records the URI of every request it sees.
type MockHTTPClient struct {
	handler http.Handler

	mu       sync.Mutex
	requests []string
	failures []error
}

// NewMockHTTPClient returns a client served by h.
func NewMockHTTPClient(h http.Handler) *MockHTTPClient {
	return &MockHTTPClient{handler: h}
}

// FailNext queues err to be returned by a request instead of calling the
// handler. Queued errors are used in order.
func (m *MockHTTPClient) FailNext(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
	return m
}

// Do records req and serves it.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req.URL.RequestURI())
	var err error
	if len(m.failures) > 0 {
		err, m.failures = m.failures[0], m.failures[1:]
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	m.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Requests returns the request URIs seen so far.
func (m *MockHTTPClient) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}
