package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// AppName names the XDG config directory and the env var prefix.
const AppName = "imgcrawler"

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "IMGCRAWLER_"

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// Path is an explicit config file. When empty the XDG default is used if it exists.
	Path string
	// EnvFile is a dotenv file merged beneath the process environment. Missing files are ignored.
	EnvFile string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// DefaultPath returns $XDG_CONFIG_HOME/imgcrawler/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Load builds a Config from defaults, an optional file, and the environment.
// The result is normalised but not validated, so callers can apply flag
// overrides before calling Validate.
func Load(opts LoadOptions) (*Config, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		if err := decodeFile(path, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		if raw, err := afero.ReadFile(fs, opts.EnvFile); err == nil {
			parsed, err := godotenv.Parse(bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", opts.EnvFile, err)
			}
			dotenv = parsed
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", opts.EnvFile, err)
		}
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+key]
		return v, ok
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, err
	}

	cfg.normalise()
	return &cfg, nil
}

// LoadFromReader decodes a YAML document on top of the defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalise normalises and validates a config after all overrides are applied.
func (c *Config) Finalise() error {
	c.normalise()
	return c.Validate()
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: unknown config keys %v", ErrInvalid, undecoded)
		}
		return nil
	case ".yaml", ".yml", "":
		return decodeYAML(bytes.NewReader(data), cfg)
	default:
		return fmt.Errorf("%w: unsupported config file type %q", ErrInvalid, filepath.Ext(path))
	}
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := env(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := env(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = b
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v, ok := env(key)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, key, err)
		}
		return nil
	}

	str("START_URL", &cfg.Crawl.StartURL)
	str("MODE", &cfg.Crawl.Mode)
	str("OUTPUT_DIR", &cfg.Crawl.OutputDir)
	str("COOKIE_FILE", &cfg.Crawl.CookieFile)
	str("PROXY_LIST_FILE", &cfg.Proxy.ListFile)

	return errors.Join(
		integer("MAX_DEPTH", &cfg.Crawl.MaxDepth),
		integer("MAX_PAGES", &cfg.Crawl.MaxPages),
		integer("LIST_PAGES", &cfg.Crawl.ListPages),
		integer("DETAIL_DEPTH", &cfg.Crawl.DetailDepth),
		integer("MAX_RETRIES", &cfg.Download.MaxRetries),
		integer("MAX_WORKERS", &cfg.Worker.MaxWorkers),
		integer("MIN_IMAGE_SIZE", &cfg.Download.MinImageSize),
		duration("MIN_DELAY", &cfg.Crawl.MinDelay),
		duration("MAX_DELAY", &cfg.Crawl.MaxDelay),
		duration("TIMEOUT", &cfg.Crawl.Timeout),
		boolean("USE_PROXY", &cfg.Proxy.Enabled),
		boolean("HEADLESS", &cfg.Rendering.Headless),
		boolean("RESPECT_ROBOTS_TXT", &cfg.Robots.Respect),
		boolean("SKIP_EXISTING", &cfg.Download.SkipExisting),
	)
}
