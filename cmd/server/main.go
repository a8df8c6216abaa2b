package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-auth/internal/config"
	"storefront-auth/internal/factory"
	"storefront-auth/internal/handler"
	"storefront-auth/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	f, err := factory.New(ctx, cfg, factory.Options{Release: version})
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	authService, err := f.AuthService()
	if err != nil {
		f.Close()
		util.Fatal("Failed to build auth service", util.ErrorField(err))
	}

	for name, err := range f.HealthCheck(ctx) {
		util.Warn("Backend unhealthy at startup", util.String("backend", name), util.ErrorField(err))
	}

	router := handler.NewRouter(handler.NewAuthHandler(authService, util.Get()), util.Get(), handler.RouterConfig{
		RequireTLS:     cfg.Server.EnableTLS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    "storefront-auth",
	})

	servers := buildServers(cfg, f, router)
	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func() {
			util.Info("Server listening",
				util.String("address", s.Addr),
				util.Bool("tls", s.TLSConfig != nil),
				util.String("environment", cfg.Environment),
			)
			var err error
			if s.TLSConfig != nil {
				err = s.ListenAndServeTLS("", "")
			} else {
				err = s.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", s.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		util.Info("Received shutdown signal")
	case err := <-errCh:
		util.Error("Server failed", util.ErrorField(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", s.Addr), util.ErrorField(err))
		}
	}
	if err := f.Shutdown(shutdownCtx); err != nil {
		util.Warn("Shutdown incomplete", util.ErrorField(err))
	}
	util.Info("Server stopped")
}

// buildServers returns the API server, plus a plain HTTP listener for ACME
// challenges and HTTPS redirects when TLS is on.
func buildServers(cfg *config.Config, f *factory.Factory, router http.Handler) []*http.Server {
	api := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	tlsManager := f.TLSManager()
	if tlsManager == nil {
		util.Warn("TLS is disabled; serving plain HTTP")
		return []*http.Server{api}
	}

	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.TLSConfig()

	plain := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           tlsManager.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return []*http.Server{api, plain}
}
