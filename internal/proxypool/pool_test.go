package proxypool

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func mustParse(t *testing.T, lines ...string) []Endpoint {
	t.Helper()
	eps, err := ParseEndpoints(lines)
	require.NoError(t, err)
	return eps
}

func newTestPool(t *testing.T, clock *fakeClock, lines ...string) *Pool {
	t.Helper()
	return New(mustParse(t, lines...),
		WithClock(clock.Now),
		WithRand(rand.New(rand.NewSource(1))),
		WithQuarantine(300*time.Second),
	)
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		line string
		want Endpoint
	}{
		{"1.2.3.4:8080", Endpoint{Scheme: "http", Host: "1.2.3.4", Port: 8080}},
		{"5.6.7.8:1080:user:pass", Endpoint{Scheme: "http", Host: "5.6.7.8", Port: 1080, Username: "user", Password: "pass"}},
		{"user:pass@9.9.9.9:3128", Endpoint{Scheme: "http", Host: "9.9.9.9", Port: 3128, Username: "user", Password: "pass"}},
		{"socks5://u:p@proxy.example.com:1080", Endpoint{Scheme: "socks5", Host: "proxy.example.com", Port: 1080, Username: "u", Password: "p"}},
		{"HTTPS://secure.example.com:443", Endpoint{Scheme: "https", Host: "secure.example.com", Port: 443}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := ParseEndpoint(tc.line)
			require.NoError(t, err)
			got.Raw = ""
			require.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"not a proxy line", "ftp://x:21", "host:notaport", "user@host:80", "1.2.3.4:99999"} {
		_, err := ParseEndpoint(bad)
		require.ErrorIs(t, err, ErrBadEndpoint, bad)
	}
}

func TestParseEndpointsSkipsBadAndDuplicates(t *testing.T) {
	eps, err := ParseEndpoints([]string{"1.2.3.4:8080", "http://1.2.3.4:8080", "junk"})
	require.Error(t, err)
	require.Len(t, eps, 1)
}

func TestEndpointStringHidesPassword(t *testing.T) {
	ep, err := ParseEndpoint("http://alice:secret@h:1")
	require.NoError(t, err)
	require.Equal(t, "http://alice@h:1", ep.String())
	require.Equal(t, "http://alice:secret@h:1", ep.URL().String())
}

func TestEmptyPoolIsDisabled(t *testing.T) {
	p := New(nil)
	require.False(t, p.Enabled())
	_, ok := p.Acquire()
	require.False(t, ok)

	var nilPool *Pool
	_, ok = nilPool.Acquire()
	require.False(t, ok)
	nilPool.ReportFailure(Endpoint{})
}

func TestFailedEndpointIsNotHandedOut(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, clock, "a.example:1", "b.example:2")
	a, _ := ParseEndpoint("a.example:1")

	p.ReportFailure(a)
	for i := 0; i < 50; i++ {
		ep, ok := p.Acquire()
		require.True(t, ok)
		require.Equal(t, "b.example", ep.Host)
	}
	st := p.Stats()
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.Available)
	require.Equal(t, 1, st.Failed)
}

func TestRehabilitationExactlyAtQuarantine(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, clock, "a.example:1", "b.example:2")
	a, _ := ParseEndpoint("a.example:1")

	p.ReportFailure(a)
	clock.Advance(299 * time.Second)
	require.Equal(t, 1, p.Stats().Available)

	clock.Advance(time.Second)
	st := p.Stats()
	require.Equal(t, 2, st.Available)
	require.Zero(t, st.Failed)
}

func TestAllFailedResetsPool(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, clock, "a.example:1", "b.example:2")
	for _, ep := range p.Endpoints() {
		p.ReportFailure(ep)
	}
	require.Zero(t, p.Stats().Available)

	_, ok := p.Acquire()
	require.True(t, ok)
	st := p.Stats()
	require.Equal(t, 2, st.Available)
	require.Zero(t, st.Failed)
}

func TestReportSuccessTracksLastGood(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, clock, "a.example:1", "b.example:2")
	b, _ := ParseEndpoint("b.example:2")

	p.ReportSuccess(b)
	p.ReportSuccess(b)
	p.ReportSuccess(Endpoint{Scheme: "http", Host: "unknown", Port: 9})

	st := p.Stats()
	require.Equal(t, b.Key(), st.LastGood)
	require.Equal(t, map[string]int{b.Key(): 2}, st.Successes)
	require.Equal(t, 2, st.Available)
}

func TestTransportRoutesThroughEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("user:pw@10.0.0.1:3128")
	require.NoError(t, err)
	tr, err := Transport(ep, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://target.example/", nil)
	proxyURL, err := tr.Proxy(req)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:3128", proxyURL.Host)

	socks, err := ParseEndpoint("socks5://10.0.0.2:1080")
	require.NoError(t, err)
	tr, err = Transport(socks, nil)
	require.NoError(t, err)
	require.Nil(t, tr.Proxy)
	require.NotNil(t, tr.DialContext)
}

func TestProbeMarksDeadEndpoints(t *testing.T) {
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer alive.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	aliveAddr := alive.Listener.Addr().(*net.TCPAddr)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, clock,
		"127.0.0.1:"+strconv.Itoa(aliveAddr.Port),
		"127.0.0.1:"+strconv.Itoa(deadPort),
	)

	base := DefaultBaseTransport()
	base.Proxy = nil
	results, err := Probe(context.Background(), p, ProbeOptions{
		TestURL:     "http://probe.invalid/",
		Concurrency: 2,
		Timeout:     5 * time.Second,
		Base:        base,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].OK)
	require.Equal(t, http.StatusOK, results[0].Status)
	require.False(t, results[1].OK)
	require.Error(t, results[1].Err)

	st := p.Stats()
	require.Equal(t, 1, st.Available)
	require.Equal(t, 1, st.Failed)
}
