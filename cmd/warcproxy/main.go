package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergeospb/warcproxy/internal/cachekv"
	"github.com/sergeospb/warcproxy/internal/config"
	"github.com/sergeospb/warcproxy/internal/fetcher"
	"github.com/sergeospb/warcproxy/internal/proxyhandler"
	"github.com/sergeospb/warcproxy/internal/server"
	"github.com/sergeospb/warcproxy/internal/warcstore"
)

func init() {
	rootCmd.Flags().String("outdir", "./out", "Output directory for WARC files and the URL-hash index")
	rootCmd.Flags().String("cache-addr", "127.0.0.1:11211", "host:port of the external cache store")
	rootCmd.Flags().Int64("cache-pool-size", 5000, "Max pooled connections to the cache store")
	rootCmd.Flags().StringSlice("dns-server", nil, "Custom DNS server(s) to resolve upstream hosts against (repeatable); falls back to the system resolver when empty")
	rootCmd.Flags().String("socks5-upstream", "", "host:port of an upstream SOCKS5 proxy to route outgoing fetches through")
	rootCmd.Flags().Bool("spoof-tls", false, "Present a browser-shaped TLS ClientHello to upstream servers instead of Go's own fingerprint")
	rootCmd.Flags().String("log-format", "text", "Log format: text or json")
	rootCmd.Flags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.Flags().Duration("rate-log-window", 10*time.Second, "Window/interval for the periodic request-count log line")
}

// rootCmd represents the warcproxy command.
var rootCmd = &cobra.Command{
	Use:   "warcproxy [port]",
	Short: "A forward HTTP proxy that caches and archives every response to WARC",
	Long:  `warcproxy is a forward HTTP proxy with transparent response caching and WARC archival.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		cfg.Port = port
	}

	cfg.OutDir, _ = cmd.Flags().GetString("outdir")
	cfg.CacheAddr, _ = cmd.Flags().GetString("cache-addr")
	cfg.CachePoolSize, _ = cmd.Flags().GetInt64("cache-pool-size")
	cfg.DNSServers, _ = cmd.Flags().GetStringSlice("dns-server")
	cfg.SOCKS5Upstream, _ = cmd.Flags().GetString("socks5-upstream")
	cfg.SpoofTLS, _ = cmd.Flags().GetBool("spoof-tls")
	cfg.LogFormat, _ = cmd.Flags().GetString("log-format")
	cfg.LogFile, _ = cmd.Flags().GetString("log-file")
	cfg.RateLogWindow, _ = cmd.Flags().GetDuration("rate-log-window")

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer closeLog()

	warc, err := warcstore.New(cfg.OutDir, 16, logger)
	if err != nil {
		return fmt.Errorf("warc writer: %w", err)
	}
	defer warc.Close()

	cache := cachekv.New(cachekv.Config{Addr: cfg.CacheAddr, PoolSize: cfg.CachePoolSize}, logger)
	defer cache.Close()

	fetch := fetcher.New(fetcher.Config{
		DNSServers:     cfg.DNSServers,
		UpstreamSOCKS5: cfg.SOCKS5Upstream,
		SpoofTLS:       cfg.SpoofTLS,
	}, warc, logger)
	defer fetch.Close()

	handler := proxyhandler.New(cache, fetch, logger)

	srv := server.New(server.Config{
		Addr:          ":" + strconv.Itoa(cfg.Port),
		RateLogWindow: cfg.RateLogWindow,
	}, handler, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("warcproxy: listening", slog.Int("port", cfg.Port), slog.String("outdir", cfg.OutDir))
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
