package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
)

// Endpoint is a collector capture endpoint.
type Endpoint string

const (
	EndpointUserProperties Endpoint = "add_user_properties"
	EndpointIdentify       Endpoint = "identify"
	EndpointTrack          Endpoint = "track"
)

const (
	capturePath = "/api/capture/v2/"

	// HeaderEnvironmentID carries the environment of every request.
	HeaderEnvironmentID = "X-Heap-Env-Id"
	// ContentType of every request body.
	ContentType = "application/x-protobuf"
)

// Request is one upload to the collector.
type Request struct {
	Endpoint      Endpoint
	EnvironmentID string
	UserID        string
	Identity      *string
	Payload       []byte
}

// Client sends requests to the collector.
type Client interface {
	Send(ctx context.Context, req Request) Result
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) Result

func (f ClientFunc) Send(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// HTTPClient is the Client for the collector's HTTP API.
type HTTPClient struct {
	baseURL string
	library string
	http    *http.Client
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) { h.http = c }
}

// NewHTTPClient creates a client for the collector at baseURL. library is
// sent as the "b" query parameter of every request.
func NewHTTPClient(baseURL, library string, opts ...HTTPClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errspkg.ErrBaseURLRequired
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		library: library,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the address req is posted to.
func (c *HTTPClient) URL(req Request) string {
	var q strings.Builder
	q.WriteString("b=")
	q.WriteString(escapeQueryValue(c.library))
	if req.Identity != nil {
		q.WriteString("&i=")
		q.WriteString(escapeQueryValue(*req.Identity))
	}
	q.WriteString("&u=")
	q.WriteString(escapeQueryValue(req.UserID))
	q.WriteString("&a=")
	q.WriteString(escapeQueryValue(req.EnvironmentID))
	return c.baseURL + capturePath + string(req.Endpoint) + "?" + q.String()
}

// escapeQueryValue percent-encodes v. '&' and '+' are always escaped and a
// space becomes %20.
func escapeQueryValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// Send posts req and classifies the response.
func (c *HTTPClient) Send(ctx context.Context, req Request) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(req), bytes.NewReader(req.Payload))
	if err != nil {
		return Failure(NetworkFailure, 0, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpReq.Header.Set(HeaderEnvironmentID, req.EnvironmentID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Failure(NetworkFailure, 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return Success()
	case http.StatusBadRequest:
		return Failure(BadRequest, resp.StatusCode, nil)
	default:
		return Failure(UnexpectedServerResponse, resp.StatusCode, nil)
	}
}
