// Package upstream issues HTTP requests to provider endpoints and classifies
// their failures.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/security"
)

const (
	maxErrorBodyBytes          = 1 * 1024 * 1024
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Kind classifies an upstream failure for the retry decision.
type Kind string

const (
	// KindTransport covers connect/TLS/DNS failures and idle timeouts
	// before a response byte arrived.
	KindTransport Kind = "upstream_transport"
	// KindHTTP covers non-2xx HTTP statuses.
	KindHTTP Kind = "upstream_http_error"
	// KindMalformed covers response bytes that did not parse as the
	// expected shape.
	KindMalformed Kind = "upstream_malformed"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("provider %s returned status %d", e.Provider, e.StatusCode)
	default:
		return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response is a successful upstream call. Body is lazy: the caller owns it
// and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is a thin HTTP client over providers. One *http.Client is kept per
// distinct header timeout because ResponseHeaderTimeout lives on the
// transport.
type Client struct {
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

// New creates a client. defaultTimeout applies to providers that configure
// none.
func New(logger *slog.Logger, defaultTimeout time.Duration) *Client {
	return &Client{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		clients:        make(map[time.Duration]*http.Client),
	}
}

// httpClient returns the shared client for a header timeout, creating it on
// first use.
func (c *Client) httpClient(timeout time.Duration) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[timeout]; ok {
		return client
	}

	client := &http.Client{
		// No global timeout: streaming responses can run for minutes.
		// ResponseHeaderTimeout protects the connect + header phase and
		// the idle-read wrapper covers the body.
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleConnTimeout,
			DisableKeepAlives:     false,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.clients[timeout] = client
	return client
}

// Call sends body to the provider at path and returns the response with a
// lazy body. Non-2xx statuses and transport failures come back as *Error.
func (c *Client) Call(ctx context.Context, name string, provider config.Provider, path string, header http.Header, body []byte) (*Response, error) {
	timeout := provider.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	targetURL := strings.TrimSuffix(provider.BaseURL, "/") + path

	callCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindTransport, Provider: name, Err: err}
	}

	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	c.logger.Debug("Upstream request",
		"provider", name,
		"url", targetURL,
		"headers", security.MaskSensitiveHeaders(req.Header),
	)

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		cancel()
		c.logger.Error("Upstream request failed",
			"provider", name,
			"url", targetURL,
			"error", err,
		)
		return nil, &Error{Kind: KindTransport, Provider: name, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		cancel()
		c.logger.Warn("Upstream returned error status",
			"provider", name,
			"status", resp.StatusCode,
		)
		return nil, &Error{Kind: KindHTTP, Provider: name, StatusCode: resp.StatusCode, Body: errBody}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newIdleTimeoutBody(resp.Body, timeout, cancel),
	}, nil
}

// idleTimeoutBody cancels the in-flight request when no body byte arrives
// within the timeout. Each successful read rearms the timer, so active
// streams run indefinitely while a stalled upstream is cut off.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc

	mu      sync.Mutex
	expired bool
	closed  bool
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) io.ReadCloser {
	b := &idleTimeoutBody{rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.expired = true
			b.mu.Unlock()
			cancel()
		})
	}
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)

	b.mu.Lock()
	expired := b.expired
	if b.timer != nil && !b.closed && !expired {
		b.timer.Reset(b.timeout)
	}
	b.mu.Unlock()

	if err != nil && expired {
		err = fmt.Errorf("idle timeout waiting for upstream data: %w", err)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	err := b.rc.Close()
	b.cancel()
	return err
}
