package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry enrichment jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/admin/jobs?limit=%d", limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(context.Background(), path)
		if err != nil {
			return err
		}

		var jobs []struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			Attempts      int    `json:"attempts"`
			MaxAttempts   int    `json:"max_attempts"`
			LastError     string `json:"last_error"`
			LastErrorKind string `json:"last_error_kind"`
			UpdatedAt     string `json:"updated_at"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-16s  %d/%d  %s",
				colorize(colorCyan, j.ID[:8]), j.Status, j.Attempts, j.MaxAttempts, j.UpdatedAt)
			if j.LastError != "" {
				line += fmt.Sprintf("  [%s] %s", j.LastErrorKind, j.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed or scheduled job to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(context.Background(), "/admin/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Job %s reset to pending", args[0])
		return nil
	},
}

var jobsRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Reset every failed job to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string][]string{"statuses": {"failed"}}
		resp, err := client.post(context.Background(), "/admin/jobs/retry", body)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Reset %d failed jobs to pending", result["retried"])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job state (pending, running, failed, ...)")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsRetryAllCmd)
}
