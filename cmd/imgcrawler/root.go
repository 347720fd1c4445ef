package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"imgcrawler/internal/api"
	"imgcrawler/internal/config"
	"imgcrawler/internal/crawler"
	"imgcrawler/internal/logging"
	"imgcrawler/internal/storage"
)

const exitInterrupted = 130

// errInterrupted reports a run stopped by the operator after its summary was written.
var errInterrupted = errors.New("crawl interrupted")

// NewRootCmd creates the root command. Running it without a subcommand starts a crawl.
func NewRootCmd() *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "imgcrawler",
		Short: "Crawl a site and download its images",
		Long: `imgcrawler renders pages in a headless browser, extracts image URLs,
and downloads them with retries, proxy rotation, and resume support.

Modes:
  single-page      breadth-first crawl from --url, saving each page's images
  listing-detail   walk listing pages, then every collection's detail pages

Configuration is read from defaults, then the config file, then .env and
IMGCRAWLER_* environment variables, then flags.

Examples:
  imgcrawler --url https://8se.me/ --depth 2
  imgcrawler --mode listing-detail --list-pages 3 --use-proxy --proxy-file proxies.txt
  imgcrawler proxies check --proxy-file proxies.txt`,
		Version:       getVersion(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCrawl,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Config file (.yaml or .toml, default: "+config.DefaultPath()+")")
	cmd.PersistentFlags().String("env-file", ".env", "dotenv file merged beneath the environment")

	f := cmd.Flags()
	f.StringP("url", "u", defaults.Crawl.StartURL, "Start URL")
	f.String("mode", defaults.Crawl.Mode, "Crawl mode: single-page or listing-detail")
	f.IntP("depth", "d", defaults.Crawl.MaxDepth, "Maximum link depth (single-page mode)")
	f.IntP("max-pages", "p", defaults.Crawl.MaxPages, "Maximum pages to crawl (single-page mode)")
	f.Int("list-pages", defaults.Crawl.ListPages, "Listing pages to walk (listing-detail mode)")
	f.Int("detail-depth", defaults.Crawl.DetailDepth, "Maximum detail pages per collection")
	f.StringP("output", "o", defaults.Crawl.OutputDir, "Output directory")
	f.IntP("workers", "w", defaults.Worker.MaxWorkers, "Concurrent downloads")
	f.Bool("use-proxy", defaults.Proxy.Enabled, "Route traffic through the proxy list")
	f.String("proxy-file", defaults.Proxy.ListFile, "Proxy list file")
	f.Bool("no-headless", false, "Show the browser window")
	f.String("cookie-file", defaults.Crawl.CookieFile, "Cookie JSON file")
	f.String("min-delay", defaults.Crawl.MinDelay.String(), "Minimum delay between page loads (duration or seconds)")
	f.String("max-delay", defaults.Crawl.MaxDelay.String(), "Maximum delay between page loads (duration or seconds)")
	f.Int("max-retries", defaults.Download.MaxRetries, "Download attempts per image")
	f.String("timeout", defaults.Crawl.Timeout.String(), "Request timeout (duration or seconds)")
	f.Int("min-image-size", defaults.Download.MinImageSize, "Minimum image size in bytes")
	f.Bool("no-skip-existing", false, "Re-download files and collections that already exist")
	f.Bool("no-robots", false, "Ignore robots.txt")
	f.Bool("browser-fallback", defaults.Download.BrowserFallback, "Fetch images through the browser when HTTP attempts fail")
	f.Bool("probe-proxies", defaults.Proxy.ProbeOnStart, "Probe every proxy before crawling")
	f.String("status-addr", "", "Serve read-only crawl status on this address (e.g. :8080)")

	cmd.AddCommand(NewProxiesCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInterrupted):
		return exitInterrupted
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyCrawlFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	if err := cfg.Finalise(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr(), verbose)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := crawler.Build(ctx, *cfg, crawler.BuildOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("initialise crawler: %w", err)
	}

	if cfg.Status.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		server := api.NewServer(engine, logger)
		go func() {
			defer close(done)
			if err := server.ListenAndServe(srvCtx, cfg.Status.Addr); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	summary, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	if err := storage.RenderText(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	if summary.Interrupted {
		return errInterrupted
	}
	return nil
}

// loadConfig reads defaults, the config file, and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(config.LoadOptions{Path: path, EnvFile: envFile})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// applyCrawlFlags overrides cfg with every flag the user set explicitly.
func applyCrawlFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if err := applyFlag(flags, f.Name, cfg); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func applyFlag(flags *pflag.FlagSet, name string, cfg *config.Config) error {
	var err error
	switch name {
	case "url":
		cfg.Crawl.StartURL, err = flags.GetString(name)
	case "mode":
		cfg.Crawl.Mode, err = flags.GetString(name)
	case "depth":
		cfg.Crawl.MaxDepth, err = flags.GetInt(name)
	case "max-pages":
		cfg.Crawl.MaxPages, err = flags.GetInt(name)
	case "list-pages":
		cfg.Crawl.ListPages, err = flags.GetInt(name)
	case "detail-depth":
		cfg.Crawl.DetailDepth, err = flags.GetInt(name)
	case "output":
		cfg.Crawl.OutputDir, err = flags.GetString(name)
	case "workers":
		cfg.Worker.MaxWorkers, err = flags.GetInt(name)
	case "use-proxy":
		cfg.Proxy.Enabled, err = flags.GetBool(name)
	case "proxy-file":
		cfg.Proxy.ListFile, err = flags.GetString(name)
	case "no-headless":
		var off bool
		off, err = flags.GetBool(name)
		cfg.Rendering.Headless = !off
	case "cookie-file":
		cfg.Crawl.CookieFile, err = flags.GetString(name)
	case "min-delay":
		err = durationFlag(flags, name, &cfg.Crawl.MinDelay)
	case "max-delay":
		err = durationFlag(flags, name, &cfg.Crawl.MaxDelay)
	case "timeout":
		err = durationFlag(flags, name, &cfg.Crawl.Timeout)
	case "max-retries":
		cfg.Download.MaxRetries, err = flags.GetInt(name)
	case "min-image-size":
		cfg.Download.MinImageSize, err = flags.GetInt(name)
	case "no-skip-existing":
		var off bool
		off, err = flags.GetBool(name)
		cfg.Download.SkipExisting = !off
	case "no-robots":
		var off bool
		off, err = flags.GetBool(name)
		cfg.Robots.Respect = !off
	case "browser-fallback":
		cfg.Download.BrowserFallback, err = flags.GetBool(name)
	case "probe-proxies":
		cfg.Proxy.ProbeOnStart, err = flags.GetBool(name)
	case "status-addr":
		var addr string
		addr, err = flags.GetString(name)
		cfg.Status.Addr = strings.TrimSpace(addr)
	}
	return err
}

func durationFlag(flags *pflag.FlagSet, name string, dst *config.Duration) error {
	raw, err := flags.GetString(name)
	if err != nil {
		return err
	}
	return dst.UnmarshalText([]byte(raw))
}
