// -- cmd/serve.go --
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/internal/browser"
	"github.com/xkilldash9x/authbridge/internal/observability"
	"github.com/xkilldash9x/authbridge/internal/server"
	"github.com/xkilldash9x/authbridge/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the login automation service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := browser.NewManager(cfg.Browser, logger)

	factory := session.ControllerFactory(func() session.Automator {
		return browser.NewController(manager.NewPage, cfg.Browser, logger)
	})

	registry, err := session.NewRegistry(factory, cfg.Session, logger)
	if err != nil {
		return err
	}
	registry.Start()

	detector := server.RegionDetector(server.NoopRegionDetector{})
	srv, err := server.New(registry, detector, cfg.Server, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received.")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown did not finish cleanly.", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Browser shutdown did not finish cleanly.", zap.Error(err))
	}
	logger.Info("Shutdown complete.")
	return nil
}
