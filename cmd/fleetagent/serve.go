package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	fleetagent "github.com/adbfleet/fleetagent"
)

// serve exit codes: 0 clean shutdown, 1 invalid configuration, 2 storage
// unavailable.
func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := fleetagent.New()
			if err != nil {
				if errors.Is(err, fleetagent.ErrInvalidInput) {
					log.Error().Err(err).Msg("invalid configuration")
					os.Exit(1)
				}
				log.Error().Err(err).Msg("storage unavailable")
				os.Exit(2)
			}
			defer fleet.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if flagListen != "" {
				mux := http.NewServeMux()
				mux.Handle("/ws/progress", fleet.ProgressHandler())
				srv := &http.Server{Addr: flagListen, Handler: mux}
				go func() {
					log.Info().Str("addr", flagListen).Msg("progress stream listening")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("progress stream stopped")
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			log.Info().Msg("fleetagent starting")
			return fleet.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", ":8793", "Listen address for the websocket progress stream (empty disables)")
	return cmd
}
