package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/traficon/internal/httputil"
	"github.com/banshee-data/traficon/internal/intersection"
)

// Client talks to a running controller's API.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient returns a client for baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{HTTP: http.DefaultClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) do(ctx context.Context, method, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := httputil.DecodeJSON(resp, v); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// Status fetches the latest report.
func (c *Client) Status(ctx context.Context) (intersection.Report, error) {
	var rep intersection.Report
	err := c.do(ctx, http.MethodGet, "/api/status", &rep)
	return rep, err
}

// Reset asks the controller to reset before its next tick.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/reset", nil)
}
