package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://8se.me/", cfg.Crawl.StartURL)
	require.Equal(t, 5, cfg.Download.MaxRetries)
	require.Equal(t, 3, cfg.Download.EscalateOnAttempt)
	require.Equal(t, 300*time.Second, cfg.Proxy.Quarantine.Duration)
	require.Len(t, cfg.Download.RetryDelays, 5)
	require.Equal(t, "8se.me", cfg.StartHost())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty start url":   func(c *Config) { c.Crawl.StartURL = "" },
		"ftp start url":     func(c *Config) { c.Crawl.StartURL = "ftp://example.com/" },
		"unknown mode":      func(c *Config) { c.Crawl.Mode = "everything" },
		"zero workers":      func(c *Config) { c.Worker.MaxWorkers = 0 },
		"zero retries":      func(c *Config) { c.Download.MaxRetries = 0 },
		"inverted delays":   func(c *Config) { c.Crawl.MaxDelay = Seconds(0.5) },
		"unknown format":    func(c *Config) { c.Download.AllowedImageFormats = []string{"tiff"} },
		"no user agents":    func(c *Config) { c.Crawl.UserAgents = nil },
		"no retry delays":   func(c *Config) { c.Download.RetryDelays = nil },
		"zero max pages":    func(c *Config) { c.Crawl.MaxPages = 0 },
		"zero detail pages": func(c *Config) { c.Crawl.DetailDepth = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestLoadFromReaderYAML(t *testing.T) {
	doc := `
crawl:
  start_url: " https://example.com/gallery "
  mode: LISTING-DETAIL
  min_delay: 0.5
  max_delay: 2s
download:
  retry_delays: [1, "1500ms"]
  allowed_image_formats: [PNG, .jpg, png]
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "https://example.com/gallery", cfg.Crawl.StartURL)
	require.Equal(t, ModeListingDetail, cfg.Crawl.Mode)
	require.Equal(t, 500*time.Millisecond, cfg.Crawl.MinDelay.Duration)
	require.Equal(t, 2*time.Second, cfg.Crawl.MaxDelay.Duration)
	require.Equal(t, []Duration{Seconds(1), DurationFrom(1500 * time.Millisecond)}, cfg.Download.RetryDelays)
	require.Equal(t, []string{"jpg", "png"}, cfg.Download.AllowedImageFormats)
}

func TestLoadFromReaderRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("crawl:\n  start_urls: x\n"))
	require.Error(t, err)
}

func TestLoadTOMLFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `
[crawl]
start_url = "https://example.org/"
max_pages = 7
timeout = "45s"

[proxy]
use_proxy = true
quarantine = 60
`
	require.NoError(t, afero.WriteFile(fs, "/etc/imgcrawler.toml", []byte(doc), 0o644))

	cfg, err := Load(LoadOptions{Path: "/etc/imgcrawler.toml", Fs: fs, LookupEnv: noEnv})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 7, cfg.Crawl.MaxPages)
	require.Equal(t, 45*time.Second, cfg.Crawl.Timeout.Duration)
	require.True(t, cfg.Proxy.Enabled)
	require.Equal(t, time.Minute, cfg.Proxy.Quarantine.Duration)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(LoadOptions{Path: "/nope.yaml", Fs: afero.NewMemMapFs(), LookupEnv: noEnv})
	require.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{Fs: afero.NewMemMapFs(), LookupEnv: noEnv})
	require.NoError(t, err)
	require.Equal(t, Default().Crawl.MaxPages, cfg.Crawl.MaxPages)
}

func TestEnvOverridesDotenvAndFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte("crawl:\n  max_depth: 1\n  max_pages: 10\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/.env", []byte("IMGCRAWLER_MAX_DEPTH=4\nIMGCRAWLER_USE_PROXY=true\nIMGCRAWLER_MIN_DELAY=0\n"), 0o644))

	env := map[string]string{"IMGCRAWLER_MAX_DEPTH": "6"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := Load(LoadOptions{Path: "/cfg.yaml", EnvFile: "/.env", Fs: fs, LookupEnv: lookup})
	require.NoError(t, err)
	require.Equal(t, 6, cfg.Crawl.MaxDepth)
	require.Equal(t, 10, cfg.Crawl.MaxPages)
	require.True(t, cfg.Proxy.Enabled)
	require.Zero(t, cfg.Crawl.MinDelay.Duration)
}

func TestEnvRejectsGarbage(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "IMGCRAWLER_MAX_WORKERS" {
			return "many", true
		}
		return "", false
	}
	_, err := Load(LoadOptions{Fs: afero.NewMemMapFs(), LookupEnv: lookup})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestReadProxyLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "proxies.txt", []byte("# comment\n\n1.2.3.4:8080\n  socks5://h:1080  \n"), 0o644))

	lines, err := ReadProxyLines(fs, ProxyConfig{ListFile: "proxies.txt", Endpoints: []string{"http://inline:3128"}})
	require.NoError(t, err)
	require.Equal(t, []string{"1.2.3.4:8080", "socks5://h:1080", "http://inline:3128"}, lines)

	lines, err = ReadProxyLines(fs, ProxyConfig{ListFile: "missing.txt"})
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestLoadCookies(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cookies.json", []byte(`[{"name":"sid","value":"abc","domain":".example.com"},{"value":"orphan"},{"name":"age","value":"18"}]`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "broken.json", []byte(`{not json`), 0o644))

	cookies := LoadCookies(fs, "cookies.json", nil)
	require.Len(t, cookies, 2)
	require.Equal(t, "sid=abc; age=18", CookieHeader(cookies))

	require.Empty(t, LoadCookies(fs, "broken.json", nil))
	require.Empty(t, LoadCookies(fs, "absent.json", nil))
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2.5")))
	require.Equal(t, 2500*time.Millisecond, d.Duration)
	require.NoError(t, d.UnmarshalText([]byte("3m")))
	require.Equal(t, 3*time.Minute, d.Duration)
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
