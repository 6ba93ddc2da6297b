package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gend/internal/httpapi"
)

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP generation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if cfg.Addr != "" && !cmd.Flags().Changed("addr") {
				addr = cfg.Addr
			}
			log := newLogger(cfg.LogLevel)

			hub, err := newHub(cfg, log)
			if err != nil {
				return err
			}
			defer hub.Close()

			// Base context canceled on shutdown so in-flight generations
			// are interrupted rather than abandoned.
			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			httpapi.SetBaseContext(baseCtx)
			httpapi.SetLogger(log)

			srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(hub)}
			go func() {
				log.Info().Str("addr", addr).Str("models_dir", cfg.ModelsDir).Msg("gend listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			// Graceful shutdown (Ctrl+C / SIGTERM)
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			cancelBase()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	cmd.Flags().String("addr", envOr("GEND_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	return cmd
}
