package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxResponseBytes bounds how much of a destination reply is read.
const DefaultMaxResponseBytes int64 = 10 << 20

// forwardedHeaders are the only inbound headers copied to the destination.
var forwardedHeaders = []string{"Authorization", "User-Agent"}

type Response struct {
	StatusCode int
	Body       []byte
	JSON       bool
}

// Forwarder POSTs canonical envelopes to tenant destinations. It never
// retries and never follows redirects; the destination's answer is relayed as is.
type Forwarder struct {
	client           *http.Client
	maxResponseBytes int64
}

type ForwarderOption func(*Forwarder)

// WithMaxResponseBytes caps the destination reply; larger replies fail with ErrUpstream.
func WithMaxResponseBytes(n int64) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseBytes = n
		}
	}
}

func NewForwarder(timeout time.Duration, opts ...ForwarderOption) *Forwarder {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}

	f := &Forwarder{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateDestination accepts only absolute http(s) URLs with a host.
func ValidateDestination(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
	}
	return u, nil
}

func (f *Forwarder) Forward(ctx context.Context, destination string, body []byte, inbound http.Header) (*Response, error) {
	u, err := ValidateDestination(destination)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUpstream, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for _, name := range forwardedHeaders {
		if v := inbound.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if int64(len(respBody)) > f.maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, f.maxResponseBytes)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		JSON:       len(respBody) > 0 && json.Valid(respBody),
	}, nil
}
