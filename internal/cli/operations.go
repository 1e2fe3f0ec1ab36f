package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ledgersync/internal/syncengine"
)

type EnqueueOptions struct {
	*RootOptions
	Payload   string
	DependsOn string
}

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue KIND",
		Short: "Queue a mutation for the next drain",
		Long: `Queue a mutation. KIND is one of create_invoice, update_invoice,
post_invoice, register_payment.

Examples:
  ledgersync enqueue create_invoice --payload '{"partner_id":7}'
  ledgersync enqueue post_invoice --payload '{"id":12}' --depends-on 3f6c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := strings.TrimSpace(opts.Payload)
			if payload == "" {
				payload = "{}"
			}
			if !json.Valid([]byte(payload)) {
				return NewExitError(ExitCommandError, "--payload is not valid JSON")
			}
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var enqueueOpts []syncengine.EnqueueOption
			if opts.DependsOn != "" {
				enqueueOpts = append(enqueueOpts, syncengine.WithDependsOn(opts.DependsOn))
			}
			op, err := a.engine.Enqueue(cmd.Context(), syncengine.Kind(args[0]), json.RawMessage(payload), enqueueOpts...)
			if err != nil {
				return sessionError("enqueue failed", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), op, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Queued %s %s.\n", op.Kind, op.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVar(&opts.DependsOn, "depends-on", "", "id of an operation that must finish first")
	return cmd
}

func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending operations oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			ops, err := a.engine.ListPending(cmd.Context())
			if err != nil {
				return sessionError("list failed", err)
			}
			return renderOperations(rootOpts, cmd, ops)
		},
	}
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, optionally by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter syncengine.Status
			if status != "" {
				parsed, err := syncengine.ParseStatus(status)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --status", err)
				}
				filter = parsed
			}
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			ops, err := a.engine.List(cmd.Context(), filter)
			if err != nil {
				return sessionError("list failed", err)
			}
			return renderOperations(rootOpts, cmd, ops)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|syncing|done|error")
	return cmd
}

func renderOperations(rootOpts *RootOptions, cmd *cobra.Command, ops []syncengine.Operation) error {
	if ops == nil {
		ops = []syncengine.Operation{}
	}
	return render(rootOpts, cmd.OutOrStdout(), ops, func(w io.Writer) error {
		return writeOperations(w, ops)
	})
}

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay pending operations now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			result, err := a.engine.Drain(cmd.Context())
			if err != nil {
				return sessionError("drain stopped", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), result, func(w io.Writer) error {
				if result.Offline {
					_, err := fmt.Fprintln(w, "Offline; nothing sent.")
					return err
				}
				_, err := fmt.Fprintf(w, "Attempted %d: %d done, %d failed, %d waiting.\n",
					result.Attempted, result.Succeeded, result.Failed, result.Waiting)
				return err
			})
		},
	}
}

func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset ID",
		Short: "Move a failed operation back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			op, err := a.engine.Reset(cmd.Context(), args[0])
			if err != nil {
				return sessionError("reset failed", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), op, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Reset %s to %s.\n", op.ID, op.Status)
				return err
			})
		},
	}
}

func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete done operations older than a duration",
		Long: `Delete done operations whose last update is older than --older-than.
Without the flag the configured retention is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				age = a.cfg.Sync.Retention
			}
			if age <= 0 {
				return NewExitError(ExitCommandError, "--older-than is required when no retention is configured")
			}
			pruned, err := a.engine.Prune(cmd.Context(), age)
			if err != nil {
				return sessionError("prune failed", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), map[string]int{"pruned": pruned}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Pruned %d operations.\n", pruned)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of done operations to delete")
	return cmd
}

func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Wipe every local table, including unsent operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "clear discards unsent operations; pass --yes to confirm")
			}
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.engine.ClearAll(cmd.Context()); err != nil {
				return sessionError("clear failed", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), map[string]bool{"cleared": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "Local store cleared.")
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}
