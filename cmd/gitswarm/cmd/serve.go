package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gitswarm/gitswarm/internal/api"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordinator server",
	Long: `Starts the coordinator HTTP server over a policy database. Agents
connect their repos with 'gitswarm connect' and the server becomes the
consensus authority for them.

Examples:
  # Serve the current repo's database
  gitswarm serve

  # Serve a dedicated coordinator database
  gitswarm serve --db /var/lib/gitswarm/coordinator.db --host 0.0.0.0`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
	serveDB   string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "localhost",
		"Host address to bind to")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8720,
		"Port to listen on")
	serveCmd.Flags().StringVar(&serveDB, "db", "",
		"Database path (default: the current repo's .gitswarm/gitswarm.db)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stdout,
	})

	var st *store.Store
	if serveDB != "" {
		opened, err := store.Open(serveDB)
		if err != nil {
			return err
		}
		st = opened
	} else {
		fc, err := openFederation(cmd.Context())
		if err != nil {
			return err
		}
		defer fc.Close()
		st = fc.Store
	}
	if serveDB != "" {
		defer st.Close()
	}

	server := api.NewServer(st, policy.NewEngine(st, logger), api.WithLogger(logger))

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("coordinator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
