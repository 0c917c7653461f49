package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/app"
	"github.com/JakeFAU/decaptcha-crawler/internal/config"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
	"github.com/JakeFAU/decaptcha-crawler/internal/logging"
	"github.com/JakeFAU/decaptcha-crawler/internal/metrics"
	pkgconfig "github.com/JakeFAU/decaptcha-crawler/pkg/config"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the service container. Tests inject a fake.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Registry() *prometheus.Registry
	HTTPMetrics() *metrics.HTTP
	Ledger() ledger.Ledger
	BuildCrawl(ctx context.Context) (*app.Crawl, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decaptcha-crawler",
		Short: "A crawler that pauses on CAPTCHA challenges, solves them, and resumes.",
		Long: `decaptcha-crawler crawls from a set of seed URLs. When a response turns out
to be a CAPTCHA challenge page the crawl halts, the challenge is solved out of
band, and the crawl resumes, replaying every request that arrived meanwhile.`,
		SilenceUsage: true,

		// Config is loaded and the application is built before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			boot, err := logging.New(logging.Options{})
			if err != nil {
				return fmt.Errorf("bootstrap logger: %w", err)
			}
			if err := pkgconfig.InitConfig(cfgFile, boot); err != nil {
				return err
			}
			cfg, err := config.LoadFrom(viper.GetViper())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
				appInstance.Logger().Warn("Error closing application services", zap.Error(err))
			}
			_ = appInstance.Logger().Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.decaptcha-crawler/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "development logging")
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logging.development", flags.Lookup("dev"))

	cmd.AddCommand(newCrawlCmd(), newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
