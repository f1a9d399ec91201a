package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/eeg.report/internal/httputil"
	"github.com/banshee-data/eeg.report/internal/pipeline"
)

// StatusError is returned for non-2xx responses.
type StatusError = httputil.StatusError

// Client reads a running eeg server's API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a Client for the server at baseURL. A nil c uses
// http.DefaultClient.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c}
}

// LatestSpectrum fetches the most recent spectrum record.
func (c *Client) LatestSpectrum(ctx context.Context) (pipeline.Record, error) {
	var rec pipeline.Record
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/spectrum/latest", &rec)
	return rec, err
}

// Stats fetches pipeline counters.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var s StatsResponse
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/stats", &s)
	return s, err
}

// Spectra fetches the last limit spectra of session. An empty session
// selects the server's current session.
func (c *Client) Spectra(ctx context.Context, session string, limit int) ([]pipeline.Record, error) {
	q := url.Values{}
	if session != "" {
		q.Set("session", session)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.base + "/api/spectra"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body struct {
		Spectra []pipeline.Record `json:"spectra"`
	}
	err := httputil.GetJSON(ctx, c.http, u, &body)
	return body.Spectra, err
}
