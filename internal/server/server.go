package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/vhost-gateway-go/internal/certs"
	"github.com/fabian4/vhost-gateway-go/internal/config"
	"github.com/fabian4/vhost-gateway-go/internal/handler"
	"github.com/fabian4/vhost-gateway-go/internal/lb"
	"github.com/fabian4/vhost-gateway-go/internal/model"
)

const (
	reloadPollInterval = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Server owns the gateway's listeners. Each entrypoint binds independently:
// a broken certificate bundle takes down only the listeners referencing it,
// the rest keep serving, and Run reports the failure so the process can exit
// non-zero.
type Server struct {
	ConfigPath string
	Gateway    *handler.Gateway
	Certs      *certs.Store
	Logger     zerolog.Logger

	// Reload is an optional channel (SIGHUP); mtime polling runs regardless.
	Reload <-chan struct{}

	cfg *config.Config
}

func New(configPath string, cfg *config.Config, gw *handler.Gateway, store *certs.Store, logger zerolog.Logger) *Server {
	return &Server{
		ConfigPath: configPath,
		Gateway:    gw,
		Certs:      store,
		Logger:     logger,
		cfg:        cfg,
	}
}

// Run binds every entrypoint and serves until ctx is cancelled. The returned
// error is non-nil if any listener failed to start or serve.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg

	var startupErrs []error
	failed := s.Certs.Load(bundleList(cfg.Certificates))
	for name, err := range failed {
		s.Logger.Error().Err(err).Str("bundle", name).Msg("certificate bundle failed to load")
	}

	g, ctx := errgroup.WithContext(ctx)
	var started []*http.Server

	for _, l := range cfg.Listeners {
		l := l
		if l.Service != "" {
			ln, err := net.Listen("tcp", l.Address)
			if err != nil {
				startupErrs = append(startupErrs, fmt.Errorf("listener %s: %w", l.Name, err))
				continue
			}
			s.Logger.Info().Str("listener", l.Name).Str("addr", l.Address).Str("service", l.Service).Msg("tcp entrypoint listening")
			svc := cfg.Services[l.Service]
			g.Go(func() error { return s.serveTCP(ctx, ln, l, svc) })
			continue
		}

		srv := &http.Server{
			Addr:              l.Address,
			Handler:           s.Gateway,
			ReadTimeout:       cfg.Timeouts.Read,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Timeouts.Write,
			IdleTimeout:       60 * time.Second,
		}
		if m := s.Gateway.Metrics; m != nil {
			srv.ConnState = func(_ net.Conn, st http.ConnState) {
				switch st {
				case http.StateNew:
					m.IncActiveConns(l.Name)
				case http.StateClosed, http.StateHijacked:
					m.DecActiveConns(l.Name)
				}
			}
		}
		useTLS := len(l.TLS) > 0
		if useTLS {
			// fail fast: refuse to bind if any referenced bundle is broken
			if err := s.Certs.Has(l.TLS); err != nil {
				startupErrs = append(startupErrs, fmt.Errorf("listener %s: %w", l.Name, err))
				s.Logger.Error().Err(err).Str("listener", l.Name).Msg("https entrypoint not started")
				continue
			}
			srv.TLSConfig = s.Certs.TLSConfig(l.TLS)
		}

		ln, err := net.Listen("tcp", l.Address)
		if err != nil {
			startupErrs = append(startupErrs, fmt.Errorf("listener %s: %w", l.Name, err))
			continue
		}
		s.Logger.Info().Str("listener", l.Name).Str("addr", l.Address).Bool("tls", useTLS).Msg("entrypoint listening")

		started = append(started, srv)
		g.Go(func() error {
			var err error
			if useTLS {
				// certificates come from the store via GetCertificate
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", l.Name, err)
			}
			return nil
		})
	}

	if len(started) == 0 && len(startupErrs) > 0 {
		return errors.Join(startupErrs...)
	}

	g.Go(func() error {
		s.watchReload(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range started {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(append(startupErrs, err)...)
}

// serveTCP proxies raw connections to the service captured when the listener
// bound; changing a TCP entrypoint's endpoints requires a restart.
func (s *Server) serveTCP(ctx context.Context, ln net.Listener, l model.Listener, svc model.Service) error {
	proxy := handler.NewTCPProxy(lb.NewSmoothWRR(svc.Endpoints), s.Logger)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener %s: accept: %w", l.Name, err)
		}
		go proxy.Handle(conn)
	}
}

// watchReload re-reads the config on SIGHUP and when the file mtime changes.
func (s *Server) watchReload(ctx context.Context) {
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	lastMod := s.mtime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Reload:
			s.reload()
			lastMod = s.mtime()
		case <-ticker.C:
			if m := s.mtime(); !m.IsZero() && m.After(lastMod) {
				lastMod = m
				s.reload()
			}
		}
	}
}

func (s *Server) mtime() time.Time {
	fi, err := os.Stat(s.ConfigPath)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (s *Server) reload() {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		s.Logger.Error().Err(err).Msg("reload: config rejected, keeping current rules")
		return
	}
	failed := s.Certs.Load(bundleList(cfg.Certificates))
	for name, err := range failed {
		s.Logger.Error().Err(err).Str("bundle", name).Msg("reload: certificate bundle failed")
	}
	if err := s.Gateway.UpdateState(cfg); err != nil {
		s.Logger.Error().Err(err).Msg("reload: state update failed, keeping current rules")
		return
	}
	s.cfg = cfg
	s.Logger.Info().
		Int("redirects", len(cfg.Redirects)).
		Int("routes", len(cfg.Routes)).
		Int("services", len(cfg.Services)).
		Msg("config reloaded")
}

func bundleList(m map[string]model.CertificateBundle) []model.CertificateBundle {
	out := make([]model.CertificateBundle, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	return out
}

// Describe lists the active entrypoints for startup logging.
func Describe(cfg *config.Config) string {
	parts := make([]string, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		kind := "http"
		if len(l.TLS) > 0 {
			kind = "https"
		}
		if l.Service != "" {
			kind = "tcp"
		}
		parts = append(parts, fmt.Sprintf("%s(%s %s)", l.Name, kind, l.Address))
	}
	return strings.Join(parts, ", ")
}
