// Package transport performs single JSON calls against a broker REST API and
// maps failures onto the domain error taxonomy. It never retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

// Request describes one broker call. Path is joined onto the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Response is a successful (2xx) broker reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends requests to one broker.
type Client struct {
	broker     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for broker rooted at baseURL.
func New(broker, baseURL string, opts ...Option) *Client {
	c := &Client{
		broker:     broker,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the root all paths are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends req. Non-2xx replies become *domain.APIError; connection, timeout
// and body-read failures become *domain.TransportError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	op := req.Method + " " + req.Path

	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, &domain.TransportError{Broker: c.broker, Op: op, Err: fmt.Errorf("marshal request body: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return Response{}, &domain.TransportError{Broker: c.broker, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	httpReq.Header.Set("Accept", "application/json; charset=UTF-8")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &domain.TransportError{Broker: c.broker, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, &domain.TransportError{Broker: c.broker, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.DebugContext(ctx, "broker call",
		slog.String("broker", c.broker),
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if err := c.checkStatus(resp.StatusCode, body); err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// DoJSON sends req and decodes a successful body into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, req Request, out any) (Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if out != nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, &domain.TransportError{
				Broker: c.broker,
				Op:     req.Method + " " + req.Path,
				Err:    fmt.Errorf("decode response: %w", err),
			}
		}
	}
	return resp, nil
}

// errorBody is the error envelope both brokers use.
type errorBody struct {
	ErrorCode string `json:"errorCode"`
}

// checkStatus maps non-2xx HTTP status codes to *domain.APIError.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	apiErr := &domain.APIError{
		Broker: c.broker,
		Status: statusCode,
		Body:   truncate(string(body), 512),
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Code = eb.ErrorCode
	}
	return apiErr
}

// IsTimeout reports whether err is a transport error caused by a deadline.
func IsTimeout(err error) bool {
	var te *domain.TransportError
	if !errors.As(err, &te) {
		return false
	}
	if errors.Is(te.Err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(te.Err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
