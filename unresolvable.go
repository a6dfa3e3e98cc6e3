package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUnresolvableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unresolvable",
		Short: "Mark errors as beyond automatic repair",
		Long: `Flag an execution's errors, or one error code everywhere, as
maybeUnrecoverable.

Marking transitions every affected link out of the failed lane. The error
resolver observes those transitions on the table stream, drains the open
error counters, and routes each affected execution's source to its county
dead-letter queue for manual handling.

Marking is not reversed automatically and requires --yes.`,
		RunE: runUnresolvable,
	}

	addCascadeFlags(cmd, "marking")

	return cmd
}

func runUnresolvable(cmd *cobra.Command, _ []string) error {
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

	return runUnresolvableCascade(ctx, cc, st, target)
}

// runUnresolvableCascade marks the links for the chosen target and reports
// how many were transitioned.
func runUnresolvableCascade(ctx context.Context, cc *CLIContext, st cascadeStore, target cascadeTarget) error {
	if target.executionID != "" {
		n, err := st.MarkExecutionErrorsAsUnrecoverable(ctx, target.executionID)
		if err != nil {
			return fmt.Errorf("marking execution %s unrecoverable: %w", target.executionID, err)
		}

		cc.Statusf("Marked %d error links unrecoverable for execution %s.\n", n, target.executionID)

		return nil
	}

	n, err := st.MarkErrorCodeAsUnrecoverable(ctx, target.errorCode)
	if err != nil {
		return fmt.Errorf("marking error %s unrecoverable: %w", target.errorCode, err)
	}

	cc.Statusf("Marked error %s unrecoverable across %d links.\n", target.errorCode, n)

	return nil
}
