package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/voicerelay/internal/api"
	"github.com/gaspardpetit/voicerelay/internal/callers"
	"github.com/gaspardpetit/voicerelay/internal/channel"
	"github.com/gaspardpetit/voicerelay/internal/config"
	"github.com/gaspardpetit/voicerelay/internal/drain"
	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/metrics"
	"github.com/gaspardpetit/voicerelay/internal/relay"
	"github.com/gaspardpetit/voicerelay/internal/relaystate"
	"github.com/gaspardpetit/voicerelay/internal/secret"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.RelayConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "voicerelay version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("voicerelay version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if err := cfg.LoadFile(cfg.ConfigFile); err == nil {
		// the file ranks below environment and flags
		cfg.ApplyEnv()
		_ = flag.CommandLine.Parse(os.Args[1:])
	} else if !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	dialect, err := wire.ParseDialect(cfg.Dialect)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid dialect")
	}

	preg := prometheus.NewRegistry()
	preg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	store := relaystate.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := relaystate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		store = rs
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}
	publisher := relaystate.NewPublisher(store)

	dispatcher := relay.New(relay.Options{
		Transport:      newTransport(cfg, dialect),
		Dialect:        dialect,
		RequestTimeout: cfg.RequestTimeout,
		// ids stay unique across restarts of the relay
		IDPrefix: uuid.NewString()[:8] + "-",
		Observer: publisher,
	})
	hub := callers.NewHub(cfg.MailboxSize, callers.WithTTL(cfg.MailboxTTL))
	gate := &drain.Gate{}

	opts := api.Options{
		Relay:          dispatcher,
		Hub:            hub,
		AllowedOrigins: cfg.AllowedOrigins,
		APIKey:         cfg.APIKey,
		MaxBodyBytes:   int64(cfg.MaxMessageBytes),
		Drain:          gate,
		State:          store,
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		opts.Gatherer = preg
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if !gate.Start() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int("pending", dispatcher.Status().Pending).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				dctx := ctx
				if cfg.DrainTimeout > 0 {
					var dcancel context.CancelFunc
					dctx, dcancel = context.WithTimeout(ctx, cfg.DrainTimeout)
					defer dcancel()
				}
				if err := drain.Wait(dctx, func() int { return dispatcher.Status().Pending }, 100*time.Millisecond); err != nil {
					logx.Log.Warn().Int("pending", dispatcher.Status().Pending).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().
		Int("port", cfg.Port).
		Str("transport", cfg.Transport).
		Str("dialect", dialect.Name).
		Dur("request_timeout", cfg.RequestTimeout).
		Msg("relay starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}

	<-ctx.Done()
	if err := dispatcher.Close(); err != nil {
		logx.Log.Error().Err(err).Msg("relay close")
	}
	publisher.Close()
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
	logx.Log.Info().Msg("relay stopped")
}

func newTransport(cfg config.RelayConfig, dialect wire.Dialect) channel.Transport {
	if cfg.Transport == config.TransportWS {
		return &channel.WebSocketTransport{
			URL:        cfg.HostURL,
			Codec:      channel.Codec(cfg.Codec),
			Dialect:    dialect,
			MaxMessage: cfg.MaxMessageBytes,
		}
	}
	return &channel.ExecTransport{
		Path:         cfg.HostPath,
		Args:         cfg.HostArgs,
		Dialect:      dialect,
		MaxMessage:   cfg.MaxMessageBytes,
		CloseGrace:   cfg.CloseGrace,
		WriteTimeout: cfg.WriteTimeout,
	}
}
