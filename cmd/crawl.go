// Package cmd defines and implements the CLI commands for the decaptcha-crawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/decaptcha-crawler/internal/api"
	"github.com/JakeFAU/decaptcha-crawler/internal/telemetry"
)

const serviceName = "decaptcha-crawler"

// newCrawlCmd creates the 'crawl' subcommand. It runs the crawl and, unless
// the address is empty, the admin server next to it.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl from the configured seeds",
		Long: `Crawls from the seed URLs in the configuration. Challenge pages halt the
crawl until the challenge pipeline finishes. The admin API reports gate state
and can pause or resume the crawl by hand.`,
		RunE: runCrawlCommand,
	}
	cmd.Flags().StringSlice("seed", nil, "seed URL (repeatable); overrides crawler.seeds")
	cmd.Flags().String("addr", "", "admin server address; overrides server.addr")
	_ = viper.BindPFlag("crawler.seeds", cmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer provider shutdown failed", zap.Error(err))
		}
	}()

	crawl, err := appInstance.BuildCrawl(ctx)
	if err != nil {
		return fmt.Errorf("build crawl: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Server.Addr != "" {
		opts := api.Options{
			Ledger:      appInstance.Ledger(),
			Crawl:       crawl.Engine,
			Gatherer:    appInstance.Registry(),
			HTTPMetrics: appInstance.HTTPMetrics(),
			APIKey:      cfg.Server.APIKey,
			Logger:      logger.Named("api"),
		}
		if crawl.Gate != nil {
			opts.Gate = crawl.Gate
		}
		server := api.NewServer(opts)
		g.Go(func() error {
			return server.ListenAndServe(serverCtx, cfg.Server.Addr)
		})
	}

	g.Go(func() error {
		defer stopServer()
		stats, err := crawl.Run(gctx)
		logger.Info("Crawl finished",
			zap.Int64("scheduled", stats.Scheduled),
			zap.Int64("pages", stats.Pages),
			zap.Int64("recovered", stats.Recovered),
			zap.Int64("deferred", stats.Deferred),
			zap.Int64("duplicates", stats.Duplicates),
			zap.Int64("errors", stats.Errors),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run crawler: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Crawl command finished.")
	return nil
}
