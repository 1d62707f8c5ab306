package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/fabian4/vhost-gateway-go/internal/admin"
	"github.com/fabian4/vhost-gateway-go/internal/certs"
	cfg "github.com/fabian4/vhost-gateway-go/internal/config"
	fwd "github.com/fabian4/vhost-gateway-go/internal/forward"
	"github.com/fabian4/vhost-gateway-go/internal/handler"
	"github.com/fabian4/vhost-gateway-go/internal/metrics"
	"github.com/fabian4/vhost-gateway-go/internal/server"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	viper.SetEnvPrefix("gateway")
	viper.AutomaticEnv()
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "console")
	if p := viper.GetString("config"); p != "" {
		*configPath = p
	}

	logger := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))

	c, err := cfg.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
	}

	accessLog, closeLog, err := openAccessLog(c.AccessLog.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("access log open failed")
	}
	defer closeLog()

	reg := metrics.NewRegistry()
	gw, err := handler.NewGateway(c, fwd.NewDefaultRegistry(), accessLog, reg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway init failed")
	}

	reload := make(chan struct{}, 1)
	srv := server.New(*configPath, c, gw, certs.NewStore(), logger)
	srv.Reload = reload

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}()

	if c.Admin != "" {
		adminSrv := admin.NewServer(c.Admin, admin.NewRouter(gw, reg, logger))
		go func() {
			logger.Info().Str("addr", c.Admin).Msg("admin api listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin api failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Str("entrypoints", server.Describe(c)).
		Int("redirects", len(c.Redirects)).
		Int("routes", len(c.Routes)).
		Int("services", len(c.Services)).
		Msg("vhost gateway starting")

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway exited with errors")
		os.Exit(1)
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func openAccessLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
