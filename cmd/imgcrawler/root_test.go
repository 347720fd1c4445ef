package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imgcrawler/internal/config"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	require.Equal(t, "imgcrawler", cmd.Use)
	require.NotEmpty(t, cmd.Version)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	require.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{
		"url", "mode", "depth", "max-pages", "list-pages", "detail-depth", "output",
		"workers", "use-proxy", "proxy-file", "no-headless", "cookie-file", "min-delay",
		"max-delay", "max-retries", "timeout", "min-image-size", "no-skip-existing",
		"no-robots", "browser-fallback", "probe-proxies", "status-addr",
	} {
		require.NotNil(t, cmd.Flags().Lookup(name), name)
	}

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.Contains(t, names, "proxies")
	require.Contains(t, names, "version")
}

func TestApplyCrawlFlagsOnlyOverridesChanged(t *testing.T) {
	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--url", "https://example.com/gallery",
		"--mode", config.ModeListingDetail,
		"--workers", "3",
		"--min-delay", "0.5",
		"--max-delay", "2s",
		"--no-robots",
		"--no-headless",
		"--no-skip-existing",
		"--status-addr", " :9090 ",
	}))

	cfg := config.Default()
	cfg.Crawl.MaxDepth = 7
	require.NoError(t, applyCrawlFlags(cmd.Flags(), &cfg))

	require.Equal(t, "https://example.com/gallery", cfg.Crawl.StartURL)
	require.Equal(t, config.ModeListingDetail, cfg.Crawl.Mode)
	require.Equal(t, 3, cfg.Worker.MaxWorkers)
	require.Equal(t, 500*time.Millisecond, cfg.Crawl.MinDelay.Duration)
	require.Equal(t, 2*time.Second, cfg.Crawl.MaxDelay.Duration)
	require.False(t, cfg.Robots.Respect)
	require.False(t, cfg.Rendering.Headless)
	require.False(t, cfg.Download.SkipExisting)
	require.Equal(t, ":9090", cfg.Status.Addr)
	require.Equal(t, 7, cfg.Crawl.MaxDepth)
	require.NoError(t, cfg.Finalise())
}

func TestApplyCrawlFlagsRejectsBadDuration(t *testing.T) {
	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--timeout", "soon"}))
	cfg := config.Default()
	err := applyCrawlFlags(cmd.Flags(), &cfg)
	require.ErrorContains(t, err, "--timeout")
}

func TestRunCrawlRejectsInvalidConfig(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"--env-file", "", "--config", writeConfig(t, "crawl:\n  max_depth: 2\n"), "--mode", "everything"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "imgcrawler version")
}

func TestProxiesCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	list := filepath.Join(dir, "proxies.txt")
	content := "# test list\n" + upstream.Listener.Addr().String() + "\nnot a proxy line\n"
	require.NoError(t, os.WriteFile(list, []byte(content), 0o644))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"proxies", "check",
		"--env-file", "",
		"--config", writeConfig(t, "logging:\n  level: error\n"),
		"--proxy-file", list,
		"--test-url", "http://probe.invalid/",
		"--timeout", "2s",
	})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "1 of 1 proxies alive")
	require.Contains(t, out.String(), upstream.Listener.Addr().String())
}

func TestProxiesCheckEmptyList(t *testing.T) {
	list := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(list, []byte("# nothing\n"), 0o644))

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"proxies", "check", "--env-file", "", "--config", writeConfig(t, ""), "--proxy-file", list})
	require.ErrorContains(t, cmd.Execute(), "no usable proxies")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
