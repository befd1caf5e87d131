package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/streamproxy/internal/config"
	"github.com/die-net/streamproxy/internal/dialer"
	"github.com/die-net/streamproxy/internal/proxy"
	"github.com/die-net/streamproxy/internal/trackcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		flags config.Flags
		port  int
	)

	pflag.StringVarP(&flags.Config, "config", "c", "", "Path to TOML config file (default: /etc/streamproxy/config.toml or configs/config.toml if present)")
	pflag.StringVar(&flags.ListenHost, "listen-host", "", "Proxy listen host (default 127.0.0.1)")
	pflag.IntVarP(&port, "port", "p", 0, "Proxy listen port; 0 picks an ephemeral port")
	pflag.StringVar(&flags.Upstream, "upstream", "", "How to reach origin servers: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port (default $ALL_PROXY or direct://)")
	pflag.StringVar(&flags.CacheDir, "cache-dir", "", "Directory for cached tracks. Empty disables the track cache.")
	pflag.StringVar(&flags.CacheDB, "cache-db", "", "Track index database (default <cache-dir>/tracks.db)")
	pflag.StringVar(&flags.DebugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	pflag.DurationVar(&flags.DialTimeout, "dial-timeout", 0, "Timeout for outbound DNS lookup and TCP connect (default 10s)")
	pflag.DurationVar(&flags.NegotiationTimeout, "negotiation-timeout", 0, "Timeout for reading a client's request head and for proxy handshakes (default 10s)")
	pflag.StringVar(&flags.TCPKeepAlive, "tcp-keepalive", "", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt (default 45:45:3)")
	pflag.IntVar(&flags.BufferSize, "buffer-size", 0, "Relay chunk size in bytes (default 65536)")
	pflag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error (default info)")
	pflag.StringVar(&flags.LogFormat, "log-format", "", "Log format: text|json (default text)")
	pflag.BoolVar(&flags.Verbose, "verbose", false, "Enable per-connection error logging")

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if pflag.CommandLine.Changed("port") {
		flags.Port = &port
	}

	cfg, err := config.Load(&flags)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if cfg.FilePath() != "" {
		logger.Info("loaded config", "path", cfg.FilePath())
	}

	ka := cfg.KeepAlive()
	dialCfg := dialer.Config{
		DialTimeout:        cfg.Upstream.DialTimeout.Duration,
		NegotiationTimeout: cfg.Server.NegotiationTimeout.Duration,
		KeepAlive:          ka,
	}
	route, err := dialer.New(dialCfg, cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	factory, closeFactory, err := newFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFactory()

	metrics := proxy.NewMetrics()

	p := proxy.New(factory, proxy.Config{
		Host:               cfg.Server.Host,
		NegotiationTimeout: cfg.Server.NegotiationTimeout.Duration,
		MaxHeaderBytes:     cfg.Server.MaxHeaderBytes,
		BufferSize:         cfg.Server.BufferSize,
		KeepAlive:          ka,
		Upstream:           route,
		Logger:             logger,
		Metrics:            metrics,
		Verbose:            cfg.Server.Verbose,
	})

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Debug.Listen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.Debug.Listen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", cfg.Debug.Listen)
	}

	if err := p.StartPort(cfg.Server.Port); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	context.AfterFunc(ctx, func() {
		if err := p.Shutdown(); err != nil {
			logger.Error("proxy shutdown failed", "err", err)
		}
	})

	bound, err := p.Port()
	if err != nil {
		return err
	}
	logger.Info("stream proxy listening",
		"url", fmt.Sprintf("http://%s/", net.JoinHostPort(displayHost(cfg.Server.Host), fmt.Sprint(bound))),
		"upstream", route.String())

	g.Go(func() error {
		if err := p.Run(); err != nil {
			return err
		}
		if ctx.Err() == nil {
			return errors.New("proxy stopped accepting connections")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// Waits for in-flight relays before the track cache is closed.
	_ = p.Shutdown()

	logger.Info("shutting down")
	return err
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

// newFactory returns the track cache when one is configured, otherwise the
// discarding factory.
func newFactory(cfg *config.Config, logger *slog.Logger) (proxy.ForkedStreamFactory, func(), error) {
	if cfg.Cache.Dir == "" {
		return proxy.DiscardFactory, func() {}, nil
	}

	cache, err := trackcache.Open(cfg.Cache.Dir, trackcache.Options{
		DBPath: cfg.Cache.DB,
		Logger: logger,
		OnCached: func(t trackcache.Track) {
			logger.Debug("track available offline", "key", t.Key, "path", t.Path)
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("track cache: %w", err)
	}

	return cache, func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing track cache failed", "err", err)
		}
	}, nil
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
