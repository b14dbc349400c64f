package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/metrics"
	"github.com/filerelay/filerelay/internal/rendezvousserver"
	"github.com/filerelay/filerelay/internal/transport"
)

// maxShutdownWait bounds how long serve waits for the rendezvous server
// and metrics listener to wind down once a shutdown signal arrives.
const maxShutdownWait = 3 * time.Second

func serveCmd() *cobra.Command {
	var metricsPort int
	var metricsBind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous coordination server",
		Long: `Run the rendezvous server that introduces publishers and subscribers
to each other by address. It never carries file bytes itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger()
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			defer logger.Sync()

			cfg, warnings, err := loadConfigWithWarnings()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			for _, w := range warnings {
				logger.Warn("security warning", zap.String("message", w.Message), zap.String("file", w.File))
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if metricsPort == 0 {
				metricsPort = cfg.Metrics.Port
			}
			if metricsBind == "" {
				metricsBind = cfg.Metrics.Bind
			}

			listenPort := cfg.Server.GetListenPort()
			udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
			if err != nil {
				return fmt.Errorf("failed to resolve listen address: %w", err)
			}

			ep, err := transport.New(logger, udpAddr)
			if err != nil {
				return fmt.Errorf("failed to bind transport endpoint: %w", err)
			}
			defer ep.Close()

			logger.Info("rendezvous server listening", zap.Stringer("addr", ep.LocalAddr()))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			srv := rendezvousserver.New(logger, ep)

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.Serve(ctx)
			}()

			var metricsSrv *http.Server
			if metricsPort > 0 {
				m := metrics.New()
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				metricsSrv = &http.Server{
					Addr:    fmt.Sprintf("%s:%d", metricsBind, metricsPort),
					Handler: mux,
				}
				go func() {
					logger.Info("metrics endpoint listening", zap.String("addr", metricsSrv.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server error", zap.Error(err))
					}
				}()
			}

			select {
			case sig := <-sigChan:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			case err := <-serveErr:
				if err != nil && ctx.Err() == nil {
					logger.Warn("rendezvous server stopped unexpectedly", zap.Error(err))
				}
			}

			cancel()

			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), maxShutdownWait)
				defer shutdownCancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("metrics server shutdown error", zap.Error(err))
				}
			}

			select {
			case <-serveErr:
			case <-time.After(maxShutdownWait):
				logger.Warn("timed out waiting for rendezvous server to stop")
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Port to serve Prometheus metrics on (0 = use config/default)")
	cmd.Flags().StringVar(&metricsBind, "metrics-bind", "", "Address to bind the metrics endpoint to")
	return cmd
}
