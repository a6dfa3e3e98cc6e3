package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// cascadeStore is the slice of the data store that operator cascades act
// through. Both resolve and unresolvable run against it.
type cascadeStore interface {
	DeleteErrorsForExecution(ctx context.Context, executionID string) (int, error)
	DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) (int, error)
	MarkExecutionErrorsAsUnrecoverable(ctx context.Context, executionID string) (int, error)
	MarkErrorCodeAsUnrecoverable(ctx context.Context, errorCode string) (int, error)
}

// cascadeTarget identifies what an operator cascade acts on: exactly one of
// an execution ID or an error code.
type cascadeTarget struct {
	executionID string
	errorCode   string
}

func (t cascadeTarget) String() string {
	if t.executionID != "" {
		return "execution " + t.executionID
	}

	return "error code " + t.errorCode
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Delete error bookkeeping after a fix has shipped",
		Long: `Remove error rows for an execution or an error code.

--execution deletes all error links of one execution, the same cleanup the
event handler performs for ElephantErrorResolved events. --error-code
removes one error code everywhere: the global record plus its link under
every execution.

Either way the head rows are not touched directly. Link removals flow
through the table stream, where the count handler drains the open error
counters, fires any pending workflow callback, and deletes the drained
head rows itself.

Deletion is permanent and requires --yes.`,
		RunE: runResolve,
	}

	addCascadeFlags(cmd, "delete")

	return cmd
}

func runResolve(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	target, err := readCascadeTarget(cmd)
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	st, err := newStoreClient(ctx, cc)
	if err != nil {
		return err
	}

	return runResolveCascade(ctx, cc, st, target)
}

// runResolveCascade deletes the links for the chosen target and reports how
// many rows went away.
func runResolveCascade(ctx context.Context, cc *CLIContext, st cascadeStore, target cascadeTarget) error {
	if target.executionID != "" {
		n, err := st.DeleteErrorsForExecution(ctx, target.executionID)
		if err != nil {
			return fmt.Errorf("deleting errors for execution %s: %w", target.executionID, err)
		}

		cc.Statusf("Deleted %d error links for execution %s; counters drain through the stream.\n",
			n, target.executionID)

		return nil
	}

	n, err := st.DeleteErrorFromAllExecutions(ctx, target.errorCode)
	if err != nil {
		return fmt.Errorf("deleting error %s: %w", target.errorCode, err)
	}

	cc.Statusf("Deleted error %s from %d executions; counters drain through the stream.\n",
		target.errorCode, n)

	return nil
}

// addCascadeFlags binds the target and confirmation flags shared by the
// resolve and unresolvable commands. verb names the destructive action for
// the --yes help text.
func addCascadeFlags(cmd *cobra.Command, verb string) {
	cmd.Flags().String("execution", "", "execution ID to act on")
	cmd.Flags().String("error-code", "", "error code to act on across all executions")
	cmd.Flags().Bool("yes", false, "confirm the "+verb)

	cmd.MarkFlagsMutuallyExclusive("execution", "error-code")
	cmd.MarkFlagsOneRequired("execution", "error-code")
}

// readCascadeTarget parses the target flags and enforces the --yes
// confirmation. Flag-group validation already guarantees exactly one target
// flag was passed; this rejects an empty value for it.
func readCascadeTarget(cmd *cobra.Command) (cascadeTarget, error) {
	executionID, err := cmd.Flags().GetString("execution")
	if err != nil {
		return cascadeTarget{}, err
	}

	errorCode, err := cmd.Flags().GetString("error-code")
	if err != nil {
		return cascadeTarget{}, err
	}

	target := cascadeTarget{executionID: executionID, errorCode: errorCode}

	if executionID == "" && errorCode == "" {
		return cascadeTarget{}, fmt.Errorf("specify --execution or --error-code")
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return cascadeTarget{}, err
	}

	if !yes {
		return cascadeTarget{}, fmt.Errorf("refusing to act on %s without --yes", target)
	}

	return target, nil
}
