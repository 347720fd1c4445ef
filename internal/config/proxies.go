package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
)

// ReadProxyLines returns the non-empty, non-comment lines of a proxy list file
// followed by any endpoints configured inline. A missing file yields only the
// inline endpoints.
func ReadProxyLines(fs afero.Fs, cfg ProxyConfig) ([]string, error) {
	out := make([]string, 0, len(cfg.Endpoints))
	if cfg.ListFile != "" {
		data, err := afero.ReadFile(fs, cfg.ListFile)
		switch {
		case err == nil:
			lines, err := scanProxyLines(data)
			if err != nil {
				return nil, fmt.Errorf("scan proxy list %s: %w", cfg.ListFile, err)
			}
			out = append(out, lines...)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("open proxy list: %w", err)
		}
	}
	out = append(out, cfg.Endpoints...)
	return out, nil
}

func scanProxyLines(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
