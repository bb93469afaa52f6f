package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const closeTimeout = 30 * time.Second

// newCrawlCmd runs one crawl in the foreground.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl in the foreground",
		Long: `Runs discovery, code expansion and name archival against the configured
site, then exits. Pending rows left by an earlier run are picked up first.
The first SIGINT or SIGTERM finishes the current item and stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, runCrawl)
		},
	}
}

func runCrawl(ctx context.Context, rt *runtime, svc Service) error {
	st, err := svc.Crawl(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	rt.logger.Info("crawl command finished",
		zap.String("run_id", st.RunID),
		zap.String("outcome", string(st.LastOutcome)),
		zap.Any("counters", st.Counters),
	)
	return nil
}

// newServeCmd runs the HTTP control API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the crawl control API",
		Long: `Starts the HTTP API used to start, stop, requeue and monitor crawls.
Health, readiness and Prometheus metrics are served alongside it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(ctx context.Context, _ *runtime, svc Service) error {
				return svc.Serve(ctx)
			})
		},
	}
}

// newRequeueCmd flips errored rows back to pending.
func newRequeueCmd() *cobra.Command {
	var codes, names bool
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Moves errored codes and names back to pending",
		Long: `Resets rows in the error state to pending so the next crawl retries them.
With neither --codes nor --names both tables are requeued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := crawler.RequeueTarget{Codes: codes, Names: names}
			if !codes && !names {
				target = crawler.RequeueTarget{Codes: true, Names: true}
			}
			return withService(cmd, func(ctx context.Context, _ *runtime, svc Service) error {
				res, err := svc.Requeue(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d codes and %d names\n", res.Codes, res.Names)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&codes, "codes", false, "requeue errored codes")
	cmd.Flags().BoolVar(&names, "names", false, "requeue errored names")
	return cmd
}

// newStatsCmd prints status counts as JSON.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints code, name and archive counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(ctx context.Context, _ *runtime, svc Service) error {
				st, err := svc.Stats(ctx)
				if err != nil {
					return fmt.Errorf("read stats: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	}
}

// newMigrateCmd applies the embedded Postgres migrations.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := migrateDatabase(cmd.Context(), rt.cfg, rt.logger.Named("migrate")); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return nil
		},
	}
}
