package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"matchflow/internal/config"
	"matchflow/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger loop, reaper and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown tracer")
			}
		}()

		a, err := newApp(cfg, log.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfgFile != "" {
			config.Watch(v, func(c *config.Config) {
				lvl := observability.SetLevel(c.Log.Level)
				log.Info().Str("level", lvl.String()).Msg("config reloaded")
			}, func(err error) {
				log.Error().Err(err).Msg("ignoring invalid config change")
			})
		}

		if err := a.startBackground(ctx); err != nil {
			return err
		}
		engineDone := make(chan struct{})
		go func() {
			defer close(engineDone)
			a.engine.Run(ctx)
		}()

		srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: a.handler(), ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Str("instance_id", a.engine.InstanceID()).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
			stop()
		}

		log.Info().Msg("shutting down")
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		if err := srv.Shutdown(ctxTimeout); err != nil && serveErr == nil {
			serveErr = err
		}
		// in-flight cycles finish their bookkeeping before the store closes
		<-engineDone
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
