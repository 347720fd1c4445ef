package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"imgcrawler/internal/config"
	"imgcrawler/internal/crawler"
	"imgcrawler/internal/logging"
	"imgcrawler/internal/proxypool"
)

// NewProxiesCmd groups proxy maintenance commands.
func NewProxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the proxy list",
	}
	cmd.AddCommand(newProxiesCheckCmd())
	return cmd
}

func newProxiesCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every proxy in the list and report which ones work",
		Long: `Check sends one request through each proxy in the list and prints a
table of results. Entries that cannot be parsed are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: runProxiesCheck,
	}
	cmd.Flags().String("proxy-file", "", "Proxy list file (default from config)")
	cmd.Flags().String("test-url", "", "URL fetched through each proxy (default from config)")
	cmd.Flags().Int("concurrency", 10, "Proxies probed at once")
	cmd.Flags().Duration("timeout", 10*time.Second, "Per-proxy timeout")
	return cmd
}

func runProxiesCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("proxy-file"); v != "" {
		cfg.Proxy.ListFile = v
	}
	if v, _ := cmd.Flags().GetString("test-url"); v != "" {
		cfg.Proxy.ProbeURL = v
	}
	cfg.Proxy.Enabled = true
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr(), verbose)
	if err != nil {
		return err
	}

	pool, err := crawler.BuildProxyPool(afero.NewOsFs(), cfg.Proxy, logger)
	if err != nil {
		return err
	}
	if len(pool.Endpoints()) == 0 {
		return fmt.Errorf("no usable proxies in %s", cfg.Proxy.ListFile)
	}

	results, err := proxypool.Probe(cmd.Context(), pool, proxypool.ProbeOptions{
		TestURL:     cfg.Proxy.ProbeURL,
		Concurrency: concurrency,
		Timeout:     timeout,
	})
	if err != nil {
		return err
	}
	return renderProbeResults(cmd.OutOrStdout(), cfg.Proxy, results)
}

func renderProbeResults(out io.Writer, cfg config.ProxyConfig, results []proxypool.ProbeResult) error {
	md := markdown.NewMarkdown(out)
	alive := 0
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		result, reason := "fail", ""
		if r.OK {
			result = "ok"
			alive++
		}
		if r.Err != nil {
			reason = r.Err.Error()
		}
		status := ""
		if r.Status > 0 {
			status = strconv.Itoa(r.Status)
		}
		rows = append(rows, []string{
			r.Endpoint.String(),
			result,
			status,
			r.Latency.Round(time.Millisecond).String(),
			reason,
		})
	}

	md.H2("Proxy check")
	md.PlainText("")
	md.PlainTextf("test url: %s", cfg.ProbeURL)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Proxy", "Result", "Status", "Latency", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
	md.PlainTextf("%d of %d proxies alive", alive, len(results))
	return md.Build()
}
