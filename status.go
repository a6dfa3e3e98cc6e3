package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/elephant-oracle/workflow-errors/internal/config"
	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// statusStore is the slice of the data store the status commands read from.
type statusStore interface {
	QueryExecutionByErrorCount(ctx context.Context, q store.ExecutionRankQuery) (*store.FailedExecution, error)
	GetFailedExecution(ctx context.Context, executionID string) (*store.FailedExecution, error)
	QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]store.ExecutionError, error)
	GetErrorRecord(ctx context.Context, errorCode string) (*store.ErrorRecord, error)
	QueryErrorLinksForErrorCode(ctx context.Context, errorCode string) ([]store.ExecutionError, error)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the execution with the most (or fewest) open errors",
		Long: `Rank failed executions by open error count and show the top one.

The ranking reads the count-ordered index directly, so it stays cheap no
matter how many executions are failing. Use --error-type to rank within a
single error type (the first two digits of its error codes), and --order
least to find the execution closest to draining.`,
		RunE: runStatus,
	}

	cmd.Flags().String("order", string(store.SortMost), "ranking order: most or least open errors")
	cmd.Flags().String("error-type", "", "rank within one error type (first two code digits)")
	cmd.Flags().String("status", string(workflow.StatusFailed), "execution status lane to rank")

	cmd.AddCommand(newStatusExecutionCmd())
	cmd.AddCommand(newStatusErrorCmd())

	return cmd
}

func newStatusExecutionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execution <execution-id>",
		Short: "Show one execution and its error links",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatusExecution,
	}
}

func newStatusErrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "error <error-code>",
		Short: "Show one error record and the executions linked to it",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatusError,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	q, err := rankQueryFromFlags(cmd)
	if err != nil {
		return err
	}

	st, err := newStoreClient(ctx, cc)
	if err != nil {
		return err
	}

	return showTopExecution(ctx, cc, st, os.Stdout, q)
}

func runStatusExecution(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := newStoreClient(ctx, cc)
	if err != nil {
		return err
	}

	return showExecutionDetail(ctx, cc, st, os.Stdout, args[0])
}

func runStatusError(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := newStoreClient(ctx, cc)
	if err != nil {
		return err
	}

	return showErrorDetail(ctx, cc, st, os.Stdout, args[0])
}

// rankQueryFromFlags validates the status flags and builds the rank query.
func rankQueryFromFlags(cmd *cobra.Command) (store.ExecutionRankQuery, error) {
	order, err := cmd.Flags().GetString("order")
	if err != nil {
		return store.ExecutionRankQuery{}, err
	}

	switch store.SortOrder(order) {
	case store.SortMost, store.SortLeast:
	default:
		return store.ExecutionRankQuery{}, fmt.Errorf(
			"unknown order %q: use %q or %q", order, store.SortMost, store.SortLeast)
	}

	errorType, err := cmd.Flags().GetString("error-type")
	if err != nil {
		return store.ExecutionRankQuery{}, err
	}

	lane, err := cmd.Flags().GetString("status")
	if err != nil {
		return store.ExecutionRankQuery{}, err
	}

	if lane != "" && !workflow.Status(lane).Known() {
		return store.ExecutionRankQuery{}, fmt.Errorf("unknown status %q", lane)
	}

	return store.ExecutionRankQuery{
		Order:     store.SortOrder(order),
		ErrorType: errorType,
		Status:    workflow.Status(lane),
	}, nil
}

func showTopExecution(ctx context.Context, cc *CLIContext, st statusStore, w io.Writer, q store.ExecutionRankQuery) error {
	exec, err := st.QueryExecutionByErrorCount(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		cc.Statusf("No executions found.\n")

		return nil
	}

	if err != nil {
		return err
	}

	if cc.Cfg.OutputFormat == config.FormatJSON {
		return printJSON(w, executionView(exec))
	}

	printExecutionText(w, exec)

	return nil
}

func showExecutionDetail(ctx context.Context, cc *CLIContext, st statusStore, w io.Writer, executionID string) error {
	exec, err := st.GetFailedExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("execution %s not found", executionID)
	}

	if err != nil {
		return err
	}

	links, err := st.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		return err
	}

	if cc.Cfg.OutputFormat == config.FormatJSON {
		return printJSON(w, executionDetail{
			Execution: executionView(exec),
			Links:     linkViews(links),
		})
	}

	printExecutionText(w, exec)
	fmt.Fprintln(w)
	printLinksText(w, links, "ERROR CODE")

	return nil
}

func showErrorDetail(ctx context.Context, cc *CLIContext, st statusStore, w io.Writer, errorCode string) error {
	rec, err := st.GetErrorRecord(ctx, errorCode)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("error %s not found", errorCode)
	}

	if err != nil {
		return err
	}

	links, err := st.QueryErrorLinksForErrorCode(ctx, errorCode)
	if err != nil {
		return err
	}

	if cc.Cfg.OutputFormat == config.FormatJSON {
		return printJSON(w, errorDetail{
			Error: errorRecordView(rec),
			Links: linkViews(links),
		})
	}

	printErrorRecordText(w, rec)
	fmt.Fprintln(w)
	printLinksText(w, links, "EXECUTION")

	return nil
}

// executionStatus is the JSON projection of a failed execution head row.
// The task token is reduced to a presence flag: it is a Step Functions
// credential and has no business in operator output.
type executionStatus struct {
	ExecutionID      string `json:"execution_id"`
	County           string `json:"county"`
	Status           string `json:"status"`
	ErrorType        string `json:"error_type,omitempty"`
	OpenErrors       int    `json:"open_errors"`
	UniqueErrors     int    `json:"unique_errors"`
	TotalOccurrences int    `json:"total_occurrences"`
	AwaitingCallback bool   `json:"awaiting_callback"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// linkStatus is the JSON projection of one execution-to-error link.
type linkStatus struct {
	ExecutionID string `json:"execution_id"`
	ErrorCode   string `json:"error_code"`
	Status      string `json:"status"`
	Occurrences int    `json:"occurrences"`
	Details     string `json:"details,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// errorRecordStatus is the JSON projection of a global error record.
type errorRecordStatus struct {
	ErrorCode         string `json:"error_code"`
	ErrorType         string `json:"error_type"`
	Status            string `json:"status"`
	TotalCount        int    `json:"total_count"`
	LatestExecutionID string `json:"latest_execution_id,omitempty"`
	Details           string `json:"details,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

type executionDetail struct {
	Execution executionStatus `json:"execution"`
	Links     []linkStatus    `json:"links"`
}

type errorDetail struct {
	Error errorRecordStatus `json:"error"`
	Links []linkStatus      `json:"links"`
}

func executionView(exec *store.FailedExecution) executionStatus {
	return executionStatus{
		ExecutionID:      exec.ExecutionID,
		County:           exec.County,
		Status:           string(exec.Status),
		ErrorType:        exec.ErrorType,
		OpenErrors:       exec.OpenErrorCount,
		UniqueErrors:     exec.UniqueErrorCount,
		TotalOccurrences: exec.TotalOccurrences,
		AwaitingCallback: exec.TaskToken != "",
		UpdatedAt:        exec.UpdatedAt,
	}
}

func linkViews(links []store.ExecutionError) []linkStatus {
	views := make([]linkStatus, 0, len(links))
	for i := range links {
		l := &links[i]
		views = append(views, linkStatus{
			ExecutionID: l.ExecutionID,
			ErrorCode:   l.ErrorCode,
			Status:      string(l.Status),
			Occurrences: l.Occurrences,
			Details:     l.Details,
			UpdatedAt:   l.UpdatedAt,
		})
	}

	return views
}

func errorRecordView(rec *store.ErrorRecord) errorRecordStatus {
	return errorRecordStatus{
		ErrorCode:         rec.ErrorCode,
		ErrorType:         rec.ErrorType,
		Status:            string(rec.Status),
		TotalCount:        rec.TotalCount,
		LatestExecutionID: rec.LatestExecutionID,
		Details:           rec.Details,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func printExecutionText(w io.Writer, exec *store.FailedExecution) {
	fmt.Fprintf(w, "Execution:    %s (%s)\n", exec.ExecutionID, exec.County)
	fmt.Fprintf(w, "Status:       %s\n", exec.Status)

	if exec.ErrorType != "" {
		fmt.Fprintf(w, "Error type:   %s\n", exec.ErrorType)
	}

	fmt.Fprintf(w, "Open errors:  %d\n", exec.OpenErrorCount)
	fmt.Fprintf(w, "Unique codes: %d\n", exec.UniqueErrorCount)
	fmt.Fprintf(w, "Occurrences:  %d\n", exec.TotalOccurrences)

	if exec.TaskToken != "" {
		fmt.Fprintf(w, "Callback:     workflow waiting on task token\n")
	}

	if exec.UpdatedAt != "" {
		fmt.Fprintf(w, "Updated:      %s\n", formatTimestamp(exec.UpdatedAt))
	}
}

func printErrorRecordText(w io.Writer, rec *store.ErrorRecord) {
	fmt.Fprintf(w, "Error:        %s (type %s)\n", rec.ErrorCode, rec.ErrorType)
	fmt.Fprintf(w, "Status:       %s\n", rec.Status)
	fmt.Fprintf(w, "Total count:  %d\n", rec.TotalCount)

	if rec.LatestExecutionID != "" {
		fmt.Fprintf(w, "Latest exec:  %s\n", rec.LatestExecutionID)
	}

	if rec.Details != "" {
		fmt.Fprintf(w, "Details:      %s\n", rec.Details)
	}

	if rec.UpdatedAt != "" {
		fmt.Fprintf(w, "Updated:      %s\n", formatTimestamp(rec.UpdatedAt))
	}
}

// printLinksText renders a link table plus a tally of where each link sits
// in its lifecycle. The first column is configurable because execution
// detail lists links by error code while error detail lists them by
// execution.
func printLinksText(w io.Writer, links []store.ExecutionError, keyHeader string) {
	if len(links) == 0 {
		fmt.Fprintln(w, "No error links.")

		return
	}

	rows := make([][]string, 0, len(links))

	var open, review, final int

	for i := range links {
		l := &links[i]

		switch {
		case l.Status == workflow.StatusFailed:
			open++
		case l.Status.Terminal():
			final++
		default:
			review++
		}

		key := l.ErrorCode
		if keyHeader == "EXECUTION" {
			key = l.ExecutionID
		}

		rows = append(rows, []string{
			key,
			string(l.Status),
			strconv.Itoa(l.Occurrences),
			formatTimestamp(l.UpdatedAt),
		})
	}

	printTable(w, []string{keyHeader, "STATUS", "OCCURRENCES", "UPDATED"}, rows)
	fmt.Fprintf(w, "\n%d links: %d open, %d under review, %d final\n", len(links), open, review, final)
}
