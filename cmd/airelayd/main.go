// Command airelayd runs the AI relay HTTP daemon: generation endpoints with
// ordered provider fallback, SSE streaming, admin provider management, and
// Prometheus metrics.
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

	"github.com/spf13/cobra"

	airelay "github.com/dealflow-labs/ai-relay"
	"github.com/dealflow-labs/ai-relay/internal/logging"
	"github.com/dealflow-labs/ai-relay/internal/registry"
	"github.com/dealflow-labs/ai-relay/internal/usage"

	// Register relay metrics before the /metrics handler is mounted.
	_ "github.com/dealflow-labs/ai-relay/internal/metrics"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "airelayd",
		Short:        "AI provider relay daemon",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath  string
		addr     string
		dbDriver string
		dbDSN    string
		usageDSN string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := airelay.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := airelay.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			var store *registry.SQLStore
			var recorder *usage.SQLRecorder
			switch dbDriver {
			case "sqlite":
				if store, err = registry.NewSQLiteStore(dbDSN); err != nil {
					return err
				}
				if recorder, err = usage.NewSQLiteRecorder(usageDSN); err != nil {
					return err
				}
			case "postgres":
				if store, err = registry.NewPostgresStore(dbDSN); err != nil {
					return err
				}
				if recorder, err = usage.NewPostgresRecorder(usageDSN); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown db driver %q: use sqlite or postgres", dbDriver)
			}
			defer func() {
				_ = store.Close()
				_ = recorder.Close()
			}()

			engine, err := airelay.New(*cfg, store, recorder)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newRouter(engine, store),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logging.Logger.Info("relay listening", "addr", addr, "version", version)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logging.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "airelay.yaml", "path to the relay config file (.yaml or .json)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "database driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbDSN, "db-dsn", "", "provider registry DSN (file path for sqlite)")
	cmd.Flags().StringVar(&usageDSN, "usage-dsn", "", "usage/attempt-log DSN (file path for sqlite)")
	return cmd
}
