package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/queue"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <sale|enrollment> <payload-json|@file|->",
		Short: "Queue a record for delivery",
		Long: `Queue a business record in the local durable queue.

The payload is a JSON document given inline, read from a file with @path,
or read from stdin with -. The record is delivered by the next drain.

Example:
  fieldsync enqueue sale '{"productId":7,"quantity":2,"amount":2000}'
  fieldsync enqueue enrollment @merchant.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueRecord(cmd, rootOpts, args[0], args[1])
		},
	}
}

func readPayload(cmd *cobra.Command, arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		return []byte(arg), nil
	}
}

func enqueueRecord(cmd *cobra.Command, opts *RootOptions, typeArg, payloadArg string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	formatter := newFormatter(cmd, opts)

	t, err := queue.ParseRecordType(typeArg)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid record type", err)
	}
	payload, err := readPayload(cmd, payloadArg)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read payload", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmdContext(cmd)
	q := queue.New(st)
	id, err := q.Enqueue(ctx, t, payload)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}
	n, err := q.Count(ctx, t)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count", err)
	}

	result := map[string]any{"localId": id, "type": t, "pending": n}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s #%d (%d pending)\n", t, id, n)
	})
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [sale|enrollment]",
		Short: "Show records waiting for delivery",
		Long: `Show records waiting in the local queue.

Without a type only the per-type counts are printed.

Example:
  fieldsync pending
  fieldsync pending sale --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPending(cmd, rootOpts, args)
		},
	}
}

func showPending(cmd *cobra.Command, opts *RootOptions, args []string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	formatter := newFormatter(cmd, opts)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmdContext(cmd)
	q := queue.New(st)

	if len(args) == 0 {
		counts, err := q.Counts(ctx)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to count", err)
		}
		return formatter.Success(counts, func(w io.Writer) {
			for _, t := range queue.RecordTypes {
				fmt.Fprintf(w, "%-12s %d\n", t, counts[t])
			}
		})
	}

	t, err := queue.ParseRecordType(args[0])
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid record type", err)
	}
	records, err := q.List(ctx, t)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list", err)
	}
	return formatter.Success(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintf(w, "No pending %s records\n", t)
			return
		}
		for _, r := range records {
			fmt.Fprintf(w, "#%-6d %s  %s\n", r.LocalID, r.EnqueuedAt.Format("2006-01-02 15:04:05"), r.IdempotencyKey)
		}
	})
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every queued record now",
		Long: `Deliver every queued record to the remote, oldest first.

Records the remote does not accept stay queued. The command exits with
status 1 when any record is left behind.

Example:
  fieldsync drain --config fieldsync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return drainQueue(cmd, rootOpts)
		},
	}
}

func drainQueue(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	formatter := newFormatter(cmd, opts)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmdContext(cmd)
	submitter, _, err := newSubmitter(ctx, cfg, st, nil)
	if err != nil {
		return err
	}

	eng := engine.New(queue.New(st), submitter, engine.WithParallelTypes(cfg.Sync.ParallelTypes))
	sum, err := eng.Drain(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "drain failed", err)
	}

	if err := formatter.Success(sum, func(w io.Writer) { printSummary(w, sum) }); err != nil {
		return err
	}
	if sum.Failed() > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d record(s) left queued", sum.Failed()))
	}
	return nil
}

func printSummary(w io.Writer, sum engine.Summary) {
	fmt.Fprintf(w, "Drain #%d: %d delivered, %d left queued\n", sum.Seq, sum.Delivered(), sum.Failed())
	for _, r := range sum.Reports {
		fmt.Fprintf(w, "  %-12s attempted=%d delivered=%d failed=%d\n", r.Type, r.Attempted, r.Succeeded, r.Failed)
		for _, f := range r.Failures {
			fmt.Fprintf(w, "    #%d: %v\n", f.LocalID, f.Err)
		}
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
