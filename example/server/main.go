package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/therealak12/socks5d"
)

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitServe
)

type listenAddrs []string

func (l *listenAddrs) String() string { return strings.Join(*l, ",") }

func (l *listenAddrs) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listen           listenAddrs
		handshakeTimeout = flag.Duration("handshake-timeout", 10*time.Second, "time allowed from greeting to upstream connect")
		proxyProtocol    = flag.Bool("proxy-protocol", false, "accept a PROXY protocol header on client connections")
		metricsAddr      = flag.String("metrics-addr", "", "serve prometheus metrics on this address (disabled when empty)")
		logLevel         = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Var(&listen, "listen", "address to accept socks clients on, may be repeated (default :1080)")
	flag.Parse()

	configureLogging(*logLevel)

	if len(listen) == 0 {
		if env := os.Getenv("SOCKS5D_LISTEN"); env != "" {
			listen = strings.Split(env, ",")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := socks5d.Config{
		ListenAddrs:      listen,
		HandshakeTimeout: *handshakeTimeout,
		ProxyProtocol:    *proxyProtocol,
		Logger:           log.Logger,
	}

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		cfg.Metrics = socks5d.NewMetrics(registry)
		go serveMetrics(ctx, *metricsAddr, registry)
	}

	supervisor, err := socks5d.NewSupervisor(cfg)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitUsage
	}

	if err := supervisor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return exitServe
	}
	log.Info().Msg("server gracefully stopped")
	return exitOK
}

// configureLogging sets up zerolog with a console writer and the requested level.
func configureLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
