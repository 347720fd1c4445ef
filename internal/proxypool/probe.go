package proxypool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeResult is the outcome of checking one endpoint.
type ProbeResult struct {
	Endpoint Endpoint
	OK       bool
	Status   int
	Latency  time.Duration
	Err      error
}

// ProbeOptions tunes Probe.
type ProbeOptions struct {
	TestURL     string
	Concurrency int
	Timeout     time.Duration
	Base        *http.Transport
}

// Probe issues one GET to TestURL through every endpoint in the pool and
// reports failures back to the pool. Results keep endpoint order.
func Probe(ctx context.Context, pool *Pool, opts ProbeOptions) ([]ProbeResult, error) {
	endpoints := pool.Endpoints()
	if len(endpoints) == 0 {
		return nil, nil
	}
	if opts.TestURL == "" {
		opts.TestURL = "https://www.google.com"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	results := make([]ProbeResult, len(endpoints))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i, ep := range endpoints {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := probeOne(ctx, ep, opts)
			if res.OK {
				pool.ReportSuccess(ep)
			} else {
				pool.ReportFailure(ep)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func probeOne(ctx context.Context, ep Endpoint, opts ProbeOptions) ProbeResult {
	res := ProbeResult{Endpoint: ep}
	tr, err := Transport(ep, opts.Base)
	if err != nil {
		res.Err = err
		return res
	}
	defer tr.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.TestURL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	start := time.Now()
	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	res.Latency = time.Since(start)
	res.Status = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	if !res.OK {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res
}
