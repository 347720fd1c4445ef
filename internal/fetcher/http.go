package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"imgcrawler/internal/proxypool"
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Request describes one asset GET.
type Request struct {
	URL     string
	Headers http.Header
	// Proxy routes the request through an upstream endpoint; nil connects directly.
	Proxy *proxypool.Endpoint
}

// Response is a fully read HTTP response. Non-2xx statuses are returned as
// responses, not errors, so callers can classify them.
type Response struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
	FinalURL    string
	Latency     time.Duration
}

// Options controls HTTP fetching behaviour.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// Base is cloned for every proxy endpoint. Nil uses proxypool.DefaultBaseTransport.
	Base *http.Transport
}

// HTTPTransport downloads assets with one cached http.Client per proxy endpoint.
type HTTPTransport struct {
	base         *http.Transport
	timeout      time.Duration
	maxBodyBytes int64

	mu      sync.Mutex
	direct  *http.Client
	clients map[string]*http.Client
}

// NewHTTPTransport constructs an HTTP transport using the provided options.
func NewHTTPTransport(opts Options) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 50 * 1024 * 1024
	}
	base := opts.Base
	if base == nil {
		base = proxypool.DefaultBaseTransport()
	}
	return &HTTPTransport{
		base:         base,
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		direct:       &http.Client{Timeout: opts.Timeout, Transport: base},
		clients:      make(map[string]*http.Client),
	}
}

// Client returns the client for ep, building and caching it on first use.
func (t *HTTPTransport) Client(ep *proxypool.Endpoint) (*http.Client, error) {
	if ep == nil {
		return t.direct, nil
	}
	key := ep.URL().String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c, nil
	}
	tr, err := proxypool.Transport(*ep, t.base)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: t.timeout, Transport: tr}
	t.clients[key] = c
	return c, nil
}

// Get downloads a single URL.
func (t *HTTPTransport) Get(ctx context.Context, req Request) (*Response, error) {
	client, err := t.Client(req.Proxy)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range req.Headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := t.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FinalURL:    finalURL,
		Latency:     time.Since(start),
	}, nil
}

// Close drops idle connections on every cached client.
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direct.CloseIdleConnections()
	for _, c := range t.clients {
		c.CloseIdleConnections()
	}
}

func (t *HTTPTransport) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	limited := io.LimitReader(reader, t.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > t.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, t.maxBodyBytes)
	}
	return body, nil
}
