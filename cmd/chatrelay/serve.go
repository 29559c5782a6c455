package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/httpapi"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/relay"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.BindAddr = addr
			}
			if u, _ := cmd.Flags().GetString("upstream"); u != "" {
				cfg.UpstreamURL = u
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides APP_BIND_ADDR)")
	cmd.Flags().String("upstream", "", "generation service url (overrides UPSTREAM_URL)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), errors.Wrap(err, "config")
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	client := upstream.NewClient(upstream.Config{
		URL:            cfg.UpstreamURL,
		HeaderTimeout:  cfg.UpstreamTimeout,
		ErrorBodyLimit: cfg.UpstreamErrorBodyLimit,
	})
	sessions := relay.NewRegistry(relay.FromClient(client), relay.Options{
		Rechunk: cfg.Rechunk(),
		Mode:    cfg.Mode(),
		Logger:  log.With().Str("component", "relay").Logger(),
		Metrics: metrics,
	})
	api := httpapi.New(cfg, sessions, client, metrics, log.With().Str("component", "http").Logger())

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, egCtx := errgroup.WithContext(sigCtx)

	eg.Go(func() error {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("upstream", client.URL()).
			Str("frame_mode", string(cfg.Mode())).
			Bool("normalize", cfg.RechunkNormalize).
			Msg("chatrelay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Streams never go idle on their own; cancel them before draining HTTP.
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Int("live_sessions", sessions.ActiveCount()).Msg("sessions did not drain")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return errors.Wrap(err, "http shutdown")
		}
		return nil
	})

	return eg.Wait()
}
