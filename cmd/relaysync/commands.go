package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/syncengine"
)

// withRuntime loads the config, wires the stack and closes the store once
// fn returns.
func withRuntime(opts *rootOptions, fn func(rt *runtime) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		GroupID: "daemon",
		Short:   "Run the sync daemon and the control API",
		Long: `Run the sync coordinator, the connectivity monitor and the HTTP control
API until interrupted.

When --config is set the file is watched and sync settings are applied
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(opts, func(rt *runtime) error {
				return rt.serve(ctx, opts.configPath)
			})
		},
	}
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "once",
		GroupID: "daemon",
		Short:   "Run a single sync cycle and exit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(opts, func(rt *runtime) error {
				if err := rt.recoverQueue(ctx); err != nil {
					return err
				}
				rt.monitor.Probe(ctx)
				result, ran := rt.coord.RunCycle(ctx)
				if !ran {
					fmt.Fprintln(cmd.ErrOrStderr(), "sync skipped: remote is offline")
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		userID   string
		data     string
		dataFile string
	)
	cmd := &cobra.Command{
		Use:     "enqueue <entity-type> <entity-id> <create|update|delete>",
		GroupID: "queue",
		Short:   "Queue a mutation for sync",
		Example: `  relaysync enqueue project p1 create --data '{"name":"alpha"}'
  relaysync enqueue project p1 delete`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := queue.ParseOperation(args[2])
			if err != nil {
				return fmt.Errorf("unknown operation %q", args[2])
			}
			payload, err := readPayload(data, dataFile)
			if err != nil {
				return err
			}
			return withRuntime(opts, func(rt *runtime) error {
				result, err := rt.engine.Enqueue(cmd.Context(), syncengine.EnqueueRequest{
					UserID:     userID,
					EntityType: args[0],
					EntityID:   args[1],
					Operation:  op,
					Data:       payload,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&data, "data", "", "entity payload as JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the entity payload from a JSON file")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

func readPayload(inline, path string) (json.RawMessage, error) {
	raw := []byte(inline)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		GroupID: "queue",
		Short:   "Print queue statistics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				stats, err := rt.engine.Statistics(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newReviveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "revive",
		GroupID: "queue",
		Short:   "Move dormant items back to pending with a fresh retry budget",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				n, err := rt.engine.Revive(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revived %d dormant item(s)\n", n)
				return nil
			})
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var (
		completedDays      int
		dormantMaxAttempts int
	)
	cmd := &cobra.Command{
		Use:     "cleanup",
		GroupID: "queue",
		Short:   "Delete old completed items and exhausted dormant items",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				ctx := cmd.Context()
				completed, err := rt.engine.CleanupCompleted(ctx, completedDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d completed item(s) older than %d day(s)\n", completed, completedDays)
				if !cmd.Flags().Changed("dormant-max-attempts") {
					return nil
				}
				dormant, err := rt.engine.CleanupFailed(ctx, dormantMaxAttempts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d dormant item(s) with at least %d attempt(s)\n", dormant, dormantMaxAttempts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&completedDays, "completed-days", 7, "remove completed items older than this many days")
	cmd.Flags().IntVar(&dormantMaxAttempts, "dormant-max-attempts", 0, "also remove dormant items with at least this many attempts")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
