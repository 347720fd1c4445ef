package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imgcrawler/internal/logging"
	"imgcrawler/internal/proxypool"
	"imgcrawler/pkg/types"
)

type fakeSource struct {
	stats       types.StatsSnapshot
	collections []types.CollectionSummary
	pool        *proxypool.Pool
}

func (f *fakeSource) Stats() types.StatsSnapshot { return f.stats }
func (f *fakeSource) Collections() []types.CollectionSummary { return f.collections }
func (f *fakeSource) ProxyStats() proxypool.Stats { return f.pool.Stats() }

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	ep, err := proxypool.ParseEndpoint("10.0.0.1:8080")
	require.NoError(t, err)
	return &fakeSource{
		stats: types.StatsSnapshot{PagesCrawled: 4, ImagesDownloaded: 12, ImagesFailed: 1},
		collections: []types.CollectionSummary{
			{ID: "id-1", Status: types.CollectionSuccess, ImagesDownloaded: 12},
			{ID: "id-2", Status: types.CollectionRunning},
		},
		pool: proxypool.New([]proxypool.Endpoint{ep}),
	}
}

func TestServerHandlers(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/api/stats", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/api/proxies", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/api/collections/id-2", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")
	assertRoute(t, server, http.MethodGet, "/api/collections/missing", http.StatusNotFound, "")
}

func TestDocsPageDescribesStatusAPI(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "imgcrawler crawl status")
	require.Contains(t, body, "supportedSubmitMethods: ['get']")
	for _, link := range []string{"/api/stats", "/api/stats/events", "/api/proxies", "/openapi.yaml"} {
		require.Contains(t, body, `href="`+link+`"`)
	}

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Contains(t, rr.Body.String(), "/api/stats/events")
}

func TestServerRejectsWrites(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())
	for _, path := range []string{"/health", "/api/stats", "/api/proxies", "/api/collections/id-1"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code, path)
		require.Equal(t, http.MethodGet, rr.Header().Get("Allow"), path)
	}
}

func TestStatsPayload(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var got StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.EqualValues(t, 12, got.Stats.ImagesDownloaded)
	require.Len(t, got.Collections, 2)
	require.Equal(t, types.CollectionRunning, got.Collections[1].Status)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	var stats proxypool.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Available)
}

func TestStatsEventsStream(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())
	server.heartbeat = 10 * time.Millisecond
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stats/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var events []string
	for len(events) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	require.Equal(t, []string{"stats", "heartbeat"}, events)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	server := NewServer(newFakeSource(t), logging.Discard())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}
