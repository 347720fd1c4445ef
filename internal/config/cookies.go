package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"

	"imgcrawler/pkg/types"
)

// LoadCookies reads a JSON array of cookies. Missing or malformed files yield
// an empty list and a warning; cookies are never required to start a crawl.
func LoadCookies(fs afero.Fs, path string, logger *slog.Logger) []types.Cookie {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("cookie file unreadable", "path", path, "error", err)
		}
		return nil
	}
	var cookies []types.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		logger.Warn("cookie file malformed", "path", path, "error", err)
		return nil
	}
	out := cookies[:0]
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CookieHeader renders cookies as a Cookie request header value.
func CookieHeader(cookies []types.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
