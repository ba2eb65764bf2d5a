package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "wellnest",
		Short: "Offline-first wellness journal with background sync",
		Long: `Wellnest records journals, check-ins, meditations and notes on this device
and replays them to the remote backend whenever it is reachable.

Every write lands locally first and is queued; 'wellnest sync' or the
daemon drains the queue.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default: wellnest.yaml in . or the data dir)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory holding the local database")
	flags.StringVar(&opts.userID, "user", "", "signed-in user id")
	flags.BoolVar(&opts.ephemeral, "ephemeral", false, "use a throwaway in-memory database")
	flags.BoolVar(&opts.offline, "offline", false, "start with connectivity marked offline")
	flags.BoolVar(&opts.jsonOut, "json", false, "print JSON output")

	root.AddGroup(
		&cobra.Group{ID: "record", Title: "Recording:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)

	root.AddCommand(
		newJournalCmd(opts),
		newCheckinCmd(opts),
		newMeditationCmd(opts),
		newNoteCmd(opts),
		newProfileCmd(opts),
		newRecordCmd(opts),
		newQueueCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newCleanupCmd(opts),
		newDaemonCmd(opts),
	)
	return root
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// output prints v as JSON with --json, or calls human otherwise.
func output(cmd *cobra.Command, opts *rootOptions, v interface{}, human func()) error {
	if opts.jsonOut {
		return printJSON(cmd.OutOrStdout(), v)
	}
	human()
	return nil
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
