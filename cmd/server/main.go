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

	"golang.org/x/sync/errgroup"

	"otp-relay/internal/config"
	"otp-relay/internal/factory"
	"otp-relay/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", cfgErr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	servers := buildServers(f, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.Monitor().Run(gctx)
	})
	for _, srv := range servers {
		g.Go(func() error {
			return serve(srv, cfg)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")
		waitForShutdown(servers...)
		return nil
	})

	err = g.Wait()
	if closeErr := f.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		util.Error("Relay stopped with error", util.ErrorField(err))
		util.Sync()
		os.Exit(1)
	}
}

// buildServers returns the status server and, for autocert in production,
// the ACME challenge listener on :80.
func buildServers(f *factory.Factory, cfg *config.Config) []*http.Server {
	router := f.Router()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		return []*http.Server{server}
	}

	tlsManager := f.TLSManager()
	server.TLSConfig = tlsManager.GetTLSConfig()
	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.Port),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)

	if cfg.IsProduction() && cfg.Server.AutoCert {
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           tlsManager.HTTPHandler(nil),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
		return []*http.Server{server, challenge}
	}
	return []*http.Server{server}
}

func serve(srv *http.Server, cfg *config.Config) error {
	var err error
	if srv.TLSConfig != nil {
		// Certificates come from the TLS manager's GetCertificate.
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	util.Info("Server stopped", util.String("address", srv.Addr), util.Bool("tls_enabled", cfg.Server.EnableTLS))
	return nil
}

func waitForShutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
