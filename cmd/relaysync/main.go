// Command relaysync runs the offline-first sync daemon and its queue
// maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relaysync",
		Short: "Offline-first sync engine",
		Long: `relaysync queues local mutations durably and replays them against the
remote sync endpoint when connectivity allows.

Settings come from built-in defaults, the --config file and RELAYSYNC_*
environment variables, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("RELAYSYNC_CONFIG"), "config file (yaml, toml, json or jsonc)")

	root.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queue maintenance:"},
	)
	root.AddCommand(
		newServeCmd(opts),
		newOnceCmd(opts),
		newEnqueueCmd(opts),
		newStatsCmd(opts),
		newReviveCmd(opts),
		newCleanupCmd(opts),
		newConfigCmd(opts),
	)
	return root
}
