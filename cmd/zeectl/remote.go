package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ZeeWorkflow/sdk/go/zee"
)

var (
	sessionKey   string
	runID        string
	wait         bool
	pollInterval time.Duration
	statuses     []string
	listLimit    int
	listQuery    string
)

var submitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Queue a workflow run on zeed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := zee.NewClient(serverAddr, nil)
		if err != nil {
			return err
		}
		run, err := client.SubmitRun(cmd.Context(), zee.RunSubmission{ID: runID, SessionKey: sessionKey, Goal: goalFrom(args)})
		if err != nil {
			return err
		}
		if !wait {
			return printJSON(cmd.OutOrStdout(), run)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s, waiting...\n", run.ID)
		run, err = client.WaitForRun(cmd.Context(), run.ID, pollInterval)
		if err != nil {
			return err
		}
		return printRun(cmd, run)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := zee.NewClient(serverAddr, nil)
		if err != nil {
			return err
		}
		run, err := client.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs known to zeed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := zee.NewClient(serverAddr, nil)
		if err != nil {
			return err
		}
		list, err := client.ListRuns(cmd.Context(), zee.ListFilter{
			Statuses:   statuses,
			SessionKey: sessionKey,
			Query:      listQuery,
			Limit:      listLimit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tUPDATED\tGOAL")
		for _, run := range list {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", run.ID, run.Status, run.Attempts, run.MaxRetries,
				run.UpdatedAt.Format(time.RFC3339), truncate(run.Goal, 60))
		}
		return w.Flush()
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict <run-id>",
	Short: "Remove a finished run from zeed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := zee.NewClient(serverAddr, nil)
		if err != nil {
			return err
		}
		if err := client.EvictRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&sessionKey, "session", "", "session key for follow-up lookups")
	submitCmd.Flags().StringVar(&runID, "id", "", "explicit run id; resubmitting returns the existing run")
	submitCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to finish")
	submitCmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "poll interval used with --wait")

	listCmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, running, succeeded, failed)")
	listCmd.Flags().StringVar(&sessionKey, "session", "", "filter by session key")
	listCmd.Flags().StringVarP(&listQuery, "query", "q", "", "case-insensitive match on goal and answer")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")
}

func printRun(cmd *cobra.Command, run zee.Run) error {
	if run.Status == zee.StatusFailed {
		return fmt.Errorf("run %s failed (%s): %s", run.ID, run.ErrorCode, run.LastError)
	}
	if run.Result != nil {
		fmt.Fprintln(cmd.OutOrStdout(), run.Result.Content)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
