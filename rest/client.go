package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ilievs/devsync/core"
)

// maxBodySize caps what is read from a device. Status pages are a few hundred
// bytes.
const maxBodySize = 1 << 20

// Client issues the HTTP requests of HTTP JSON and HTTP text devices.
type Client struct {
	httpClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{httpClient: httpClient}
}

// Do performs one request. Timeouts come from ctx. Any status code is
// returned as a response; only failures to complete the exchange are errors.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*core.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Accept", "application/json, text/plain, text/html")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &core.Response{StatusCode: resp.StatusCode, Body: bodyBytes}, nil
}
