package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/wellnest/backend/internal/api"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
)

// =====================================================
// Queue inspection
// =====================================================

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect the sync queue", GroupID: "sync"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				items, err := a.queue.Pending(ctx)
				if err != nil {
					return err
				}
				return output(cmd, opts, items, func() { printItems(cmd, items) })
			})
		},
	}

	exhausted := &cobra.Command{
		Use:   "exhausted",
		Short: "List items that reached the retry limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				items, err := a.queue.CleanupExhausted(ctx, a.sync.MaxRetries())
				if err != nil {
					return err
				}
				return output(cmd, opts, items, func() {
					if len(items) == 0 {
						printf(cmd, "No exhausted items\n")
						return
					}
					printItems(cmd, items)
					printf(cmd, "Use 'wellnest queue reset <id>' to retry an item\n")
				})
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <id>...",
		Short: "Reset the retry counter so automatic passes pick items up again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				for _, id := range args {
					if err := a.queue.ResetRetry(ctx, id); err != nil {
						return err
					}
				}
				return output(cmd, opts, map[string]interface{}{"reset": args}, func() {
					printf(cmd, "Reset %d item(s)\n", len(args))
				})
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				counts, err := a.queue.Stats(ctx, a.sync.MaxRetries())
				if err != nil {
					return err
				}
				return output(cmd, opts, counts, func() {
					printf(cmd, "Total:     %d\nPending:   %d\nSynced:    %d\nExhausted: %d\n",
						counts.Total, counts.Pending, counts.Synced, counts.Exhausted)
				})
			})
		},
	}

	cmd.AddCommand(list, exhausted, reset, stats)
	return cmd
}

func printItems(cmd *cobra.Command, items []*models.SyncQueue) {
	if len(items) == 0 {
		printf(cmd, "Queue is empty\n")
		return
	}
	for _, it := range items {
		printf(cmd, "%s  %-11s %-6s retries=%d", it.ID, it.TableName, it.Operation, it.RetryCount)
		if it.LastError != "" {
			printf(cmd, "  last_error=%q", it.LastError)
		}
		printf(cmd, "\n")
	}
}

// =====================================================
// Sync / status / cleanup
// =====================================================

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		Short:   "Run one sync pass now",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res := a.monitor.Sync(ctx)
				return output(cmd, opts, res, func() { printPassResult(cmd.OutOrStdout(), res) })
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show connectivity, pending count and last sync",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				a.monitor.RefreshPending(ctx)
				st := a.monitor.Status()
				return output(cmd, opts, st, func() { printStatus(cmd.OutOrStdout(), st) })
			})
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "cleanup",
		Short:   "Purge synced data older than the retention windows",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.cleaner.Run(ctx, time.Now())
				if err != nil {
					return err
				}
				return output(cmd, opts, report, func() {
					for _, table := range models.Tables {
						if n := report.Records[table]; n > 0 {
							printf(cmd, "%-15s %d\n", table, n)
						}
					}
					printf(cmd, "%-15s %d\n", "sync_queue", report.QueueItems)
					printf(cmd, "Purged %d row(s)\n", report.Total())
				})
			})
		},
	}
}

// =====================================================
// Daemon
// =====================================================

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var listen string
	var noProbe bool
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run the monitor, prober, retention and status server until interrupted",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				if listen == "" {
					listen = a.cfg.API.Listen
				}
				return runDaemon(ctx, a, listen, !noProbe)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "status server address (default from api.listen)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "do not probe the remote; connectivity comes from POST /api/connectivity")
	return cmd
}

// runDaemon runs every background component until ctx ends or one fails.
func runDaemon(ctx context.Context, a *app, listen string, probe bool) error {
	g, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(api.Deps{
		Monitor:    a.monitor,
		Queue:      a.queue,
		MaxRetries: a.sync.MaxRetries(),
		Metrics:    a.metrics,
	})

	a.monitor.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		a.monitor.Stop()
		return nil
	})
	if probe {
		prober := a.prober()
		g.Go(func() error { return prober.Run(ctx) })
	}
	if a.cfg.Retention.Interval > 0 {
		g.Go(func() error { return a.cleaner.Start(ctx, a.cfg.Retention.Interval) })
	}
	if listen != "" {
		g.Go(func() error { return server.ListenAndServe(ctx, listen) })
	}

	logging.Info("daemon started", map[string]interface{}{
		"listen": listen,
		"probe":  probe,
		"user":   a.cfg.UserID,
	})
	err := g.Wait()
	server.Close()
	logging.Info("daemon stopped")
	return err
}
