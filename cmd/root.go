// Package cmd defines and implements the CLI commands for the catalog-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// Service is the application surface the commands drive. Tests swap in a fake.
type Service interface {
	Crawl(ctx context.Context) (dispatcher.Status, error)
	Serve(ctx context.Context) error
	Requeue(ctx context.Context, target crawler.RequeueTarget) (crawler.RequeueResult, error)
	Stats(ctx context.Context) (crawler.Stats, error)
	Close(ctx context.Context) error
}

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

var (
	newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
		return app.Build(ctx, cfg, logger)
	}
	migrateDatabase = app.MigrateDatabase
)

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "Archives a product catalog site into Postgres and an object store.",
		Long: `catalog-crawler walks a catalog site in three stages: it discovers product
codes from the site root, expands each code into named products, and archives
each product page together with its PDF and image attachments.

Progress lives in the database, so an interrupted run resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CATALOG_* environment variables override it")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config when it exists")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newRequeueCmd(), newMigrateCmd(), newStatsCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withService builds the Service, runs fn and always closes it.
func withService(cmd *cobra.Command, fn func(context.Context, *runtime, Service) error) (err error) {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	svc, err := newService(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := svc.Close(closeCtx); closeErr != nil && err == nil {
			err = fmt.Errorf("close application: %w", closeErr)
		}
	}()
	return fn(ctx, rt, svc)
}
