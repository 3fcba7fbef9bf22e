package sentry_capture

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const maxResponseBody = 64 << 10

// Sender delivers one event and returns the identifier acknowledged by the server.
// Failures are reported as *DeliveryError
type Sender interface {
	Send(ctx context.Context, event *Event) (string, error)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, event *Event) (string, error)

func (f SenderFunc) Send(ctx context.Context, event *Event) (string, error) {
	return f(ctx, event)
}

// HTTPTransport handles HTTP communication with the Sentry store endpoint
type HTTPTransport struct {
	config      *TransportConfig
	dsn         *DSN
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	scrubber    Scrubber
	now         func() time.Time
}

// TransportOption configures an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithScrubber sets the hook applied to the serialized payload before sending
func WithScrubber(s Scrubber) TransportOption {
	return func(t *HTTPTransport) {
		t.scrubber = s
	}
}

// WithHTTPClient replaces the HTTP client built from the configuration
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config *TransportConfig, dsn *DSN, logger *zap.Logger, opts ...TransportOption) (*HTTPTransport, error) {
	if dsn == nil {
		return nil, fmt.Errorf("%w: no DSN", ErrInvalidEndpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: config.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for self-hosted endpoints
		},
		Proxy: http.ProxyFromEnvironment,
	}

	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	t := &HTTPTransport{
		config: config,
		dsn:    dsn,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Send serializes, optionally scrubs and compresses, and posts the event
func (t *HTTPTransport) Send(ctx context.Context, event *Event) (string, error) {
	if until := t.rateLimiter.DisabledUntil(); !until.IsZero() {
		return "", transientError(event.EventID, fmt.Errorf("%w until %s", ErrRateLimited, until.Format(time.RFC3339)))
	}

	req, err := t.createRequest(ctx, event)
	if err != nil {
		return "", permanentError(event.EventID, 0, err)
	}

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("HTTP request failed",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return "", transientError(event.EventID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", transientError(event.EventID, fmt.Errorf("read response: %w", err))
	}

	t.rateLimiter.Update(resp.StatusCode, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &DeliveryError{
			Kind:       DeliveryTransient,
			EventID:    event.EventID,
			StatusCode: resp.StatusCode,
			Err:        errors.New("rate limited by server"),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := resp.Header.Get("X-Sentry-Error")
		if reason == "" {
			reason = strings.TrimSpace(string(body))
		}
		t.logger.Error("Event rejected",
			zap.String("event_id", event.EventID),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", reason))
		return "", permanentError(event.EventID, resp.StatusCode, fmt.Errorf("server rejected event: %s", reason))
	}

	var ack Response
	if err := json.Unmarshal(body, &ack); err != nil {
		return "", permanentError(event.EventID, resp.StatusCode, fmt.Errorf("malformed acknowledgment: %w", err))
	}
	if ack.ID == "" {
		return "", permanentError(event.EventID, resp.StatusCode, errors.New("acknowledgment has no id"))
	}

	t.logger.Debug("Event sent successfully",
		zap.String("event_id", event.EventID),
		zap.String("ack_id", ack.ID),
		zap.Int("status_code", resp.StatusCode))

	return ack.ID, nil
}

// createRequest creates an HTTP request for the event
func (t *HTTPTransport) createRequest(ctx context.Context, event *Event) (*http.Request, error) {
	payload, err := event.Marshal()
	if err != nil {
		return nil, err
	}

	if t.scrubber != nil {
		payload = t.scrubber.Scrub(payload)
	}

	var body io.Reader = bytes.NewReader(payload)
	if t.config.Compression {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dsn.StoreURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("X-Sentry-Auth", AuthHeader(t.dsn, t.now()))
	if t.config.Compression {
		req.Header.Set("Content-Encoding", "gzip")
	}

	return req, nil
}

// RateLimiter returns the rate limiter
func (t *HTTPTransport) RateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close closes the transport
func (t *HTTPTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}
