package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/indexer"
	"github.com/hyperjump/paperscope/internal/server"
	"github.com/hyperjump/paperscope/internal/watcher"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP API. When watch.inbox_dir is configured, batch files dropped
into it are ingested and moved to processed/ or failed/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	if cfg.Watch.Enabled() {
		inbox := watcher.NewWatcher(cfg.Watch.InboxDir, cfg.Watch.Extensions,
			inboxHandler(components.Indexer, logger),
			watcher.WithLogger(logger),
			watcher.WithDebounce(cfg.Watch.Debounce))
		if err := inbox.Start(ctx); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		defer inbox.Stop()
		go func() {
			if err := inbox.SyncExistingFiles(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("inbox sync failed", zap.Error(err))
			}
		}()
	}

	srv := server.NewServer(components.Engine, components.Indexer, &cfg.Server, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// inboxHandler ingests one batch file. The file fails only when nothing could be
// applied; per-item rejections are logged and the file still counts as processed.
func inboxHandler(idx *indexer.Indexer, logger *zap.Logger) watcher.HandleFunc {
	return func(ctx context.Context, path string) error {
		items, err := indexer.LoadBatchFile(path)
		if err != nil {
			return err
		}
		report, err := idx.IngestBatch(ctx, items)
		if report != nil {
			logger.Info("inbox batch",
				zap.String("path", path),
				zap.String("batch_id", report.BatchID),
				zap.Int("inserted", report.Inserted),
				zap.Int("replaced", report.Replaced),
				zap.Int("rejected", len(report.Rejected)))
		}
		if err != nil {
			return err
		}
		if len(items) > 0 && report.Committed() == 0 {
			return fmt.Errorf("%s: all %d items rejected", path, len(items))
		}
		return nil
	}
}
