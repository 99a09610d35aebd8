package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ytget/teraproxy"
	"github.com/ytget/teraproxy/config"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/internal/metrics"
	"github.com/ytget/teraproxy/relay"
	"github.com/ytget/teraproxy/server"
	"github.com/ytget/teraproxy/terabox/metadata"
	"github.com/ytget/teraproxy/terabox/quality"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	resolve    string
	link       string
	save       string
	output     string
	quality    string
	noProgress bool
	rateLimit  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	envFile := os.Getenv("TERAPROXY_ENV_FILE")
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.FromEnv(config.Default(), os.LookupEnv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("teraproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.RegisterFlags(fs)
	var opts options
	fs.StringVar(&opts.resolve, "resolve", "", "print the metadata of a share ID or URL as JSON")
	fs.StringVar(&opts.link, "link", "", "print the authenticated media URL of a share ID or URL")
	fs.StringVar(&opts.save, "save", "", "download a share ID or URL to disk")
	fs.StringVar(&opts.output, "output", "", "output path (file or directory) for -save")
	fs.StringVar(&opts.quality, "quality", string(quality.Default), "quality tier: hd, sd or fast")
	fs.BoolVar(&opts.noProgress, "no-progress", false, "disable progress output for -save")
	fs.StringVar(&opts.rateLimit, "rate-limit", "", "download rate limit for -save (e.g., 2MiB/s, 500KiB/s)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: teraproxy [flags]\n")
		fmt.Fprintf(stderr, "       teraproxy -resolve|-link|-save <id_or_url> [flags]\n")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 2
	}

	serve := opts.resolve == "" && opts.link == "" && opts.save == ""
	logCfg := logger.DefaultLogConfig()
	if !serve {
		logCfg.Output = "stderr"
	}
	log, closer, err := logger.Build(logger.EnvironmentConfig(logCfg))
	if err != nil {
		fmt.Fprintf(stderr, "Invalid logging configuration: %v\n", err)
		return 2
	}
	defer func() { _ = closer.Close() }()
	logger.SetGlobalLogger(log)

	m := metrics.New()
	store, err := cfg.OpenCache()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	meta := metadata.New(cfg.MetadataEndpoint, cfg.MetadataClient().WithLogger(log)).WithLogger(log).WithObserver(m)
	resolver := teraproxy.NewResolver(meta).
		WithCache(store, cfg.CacheTTL).
		WithCacheObserver(m).
		WithLogger(log).
		WithMediaClient(cfg.MediaClient().WithLogger(log))

	if serve {
		return runServer(ctx, cfg, resolver, m, log, stderr)
	}
	return runCommand(ctx, opts, resolver, stdout, stderr)
}

func runServer(ctx context.Context, cfg config.Config, resolver *teraproxy.Resolver, m *metrics.Metrics, log *logger.Logger, stderr io.Writer) int {
	appLog := log.WithComponent(logger.ComponentApp)
	rl := relay.New(cfg.MediaClient().WithLogger(log)).WithLogger(log).WithCounter(m)
	handler := server.New(resolver, rl,
		server.WithLogger(log),
		server.WithMetrics(m, cfg.MetricsPath),
		server.WithPublicURL(cfg.PublicURL),
		server.WithDebug(cfg.Debug),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("listening", logger.Fields{
			"addr":  cfg.Addr,
			"cache": cfg.CacheBackend,
			"debug": cfg.Debug,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Server error: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	appLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("shutdown failed", logger.Fields{"error": err.Error()})
		return 1
	}
	return 0
}

func runCommand(ctx context.Context, opts options, resolver *teraproxy.Resolver, stdout, stderr io.Writer) int {
	tier := quality.Parse(opts.quality)

	switch {
	case opts.resolve != "":
		id, err := teraproxy.ShareID(opts.resolve)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		d, _, err := resolver.Lookup(ctx, id)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

	case opts.link != "":
		link, _, err := resolver.ResolveURL(ctx, opts.link, tier)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, link)

	default:
		if bps := parseRate(opts.rateLimit); bps > 0 {
			resolver = resolver.WithRateLimit(bps)
		}
		if !opts.noProgress {
			resolver = resolver.WithProgress(func(p teraproxy.Progress) {
				if p.TotalSize > 0 {
					_, _ = fmt.Fprintf(stdout, "Downloaded %.1f%%\r", p.Percent)
				}
			})
		}
		path, err := resolver.Save(ctx, opts.save, tier, opts.output)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "\nSaved: %s\n", path)
	}
	return 0
}

// parseRate parses strings like "2MiB/s", "500KiB/s" into bytes per second.
func parseRate(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "/S"))
	mul := int64(1)
	for _, u := range []struct {
		suffix string
		mul    int64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s, mul = strings.TrimSuffix(s, u.suffix), u.mul
			break
		}
	}
	var val float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &val); err != nil || val <= 0 {
		return 0
	}
	return int64(val * float64(mul))
}
