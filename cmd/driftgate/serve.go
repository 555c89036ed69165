package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftgate/driftgate/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DriftGate engine HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		srv, err := server.New(ctx)
		if err != nil {
			return err
		}
		defer srv.Store.Close()
		defer srv.ShutdownFunc(ctx)

		httpServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", srv.Port),
			Handler:      srv.Handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			log.Info().Msg("Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		log.Info().Int("port", srv.Port).Msg("DriftGate engine ready")

		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}
