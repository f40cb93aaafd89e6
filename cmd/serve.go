package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand: the HTTP API plus a background lease sweeper,
// and optionally the crawl workers.
func newServeCmd() *cobra.Command {
	var crawl bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := a.Logger()
			api, err := a.Server()
			if err != nil {
				return err
			}
			sw, err := a.Sweeper()
			if err != nil {
				return err
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				sw.Run(ctx)
			}()

			if crawl {
				d, err := a.Dispatcher()
				if err != nil {
					return fmt.Errorf("build workers: %w", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					logger.Info("dispatcher started")
					d.Run(ctx)
				}()
			}

			port := a.Config().Server.Port
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           api.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("http server started", zap.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutdown initiated")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			wg.Wait()

			select {
			case err := <-serveErr:
				return fmt.Errorf("http server: %w", err)
			default:
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&crawl, "crawl", false, "also run the crawl workers in this process")
	return cmd
}
