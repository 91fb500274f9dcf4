package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"repost-pipeline/internal/models"
)

var (
	runAutoPublish bool
	runModel       string
	enqueuePayload string
	jobsLimit      int
)

var runCmd = &cobra.Command{
	Use:   "run <workspace-id>",
	Short: "Enqueue a run_pipeline job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if cmd.Flags().Changed("auto-publish") {
			payload["auto_publish"] = runAutoPublish
		}
		if runModel != "" {
			payload["model"] = runModel
		}
		job, err := a.Queue.Enqueue(cmd.Context(), wid, models.JobRunPipeline, payload)
		if err != nil {
			return err
		}
		printOut(job, fmt.Sprintf("enqueued %s job_id=%d", job.Type, job.ID))
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <workspace-id> <type>",
	Short: "Enqueue a job of any type with a JSON payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if enqueuePayload != "" {
			if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		}
		job, err := a.Queue.Enqueue(cmd.Context(), wid, models.JobType(args[1]), payload)
		if err != nil {
			return err
		}
		printOut(job, fmt.Sprintf("enqueued %s job_id=%d", job.Type, job.ID))
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <workspace-id> <candidate-id>",
	Short: "Approve a candidate awaiting review and enqueue its publish job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		cid, err := parseID("candidate id", args[1])
		if err != nil {
			return err
		}
		res, err := a.Ledger.Approve(cmd.Context(), wid, cid)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("candidate %d not awaiting approval, nothing to do", cid)
		if res.Job != nil {
			text = fmt.Sprintf("approved candidate %d, publish job_id=%d", cid, res.Job.ID)
		}
		printOut(res, text)
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process up to one batch of queued jobs per workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := a.Processor.Tick(cmd.Context())
		if err != nil {
			return err
		}
		printOut(res, fmt.Sprintf("workspaces=%d processed=%d failed=%d", res.Workspaces, res.Processed, res.Failed))
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <workspace-id>",
	Short: "List recent jobs of a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		jobs, err := a.Store.ListJobs(cmd.Context(), wid, jobsLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			printOut(jobs, "")
			return nil
		}
		for _, j := range jobs {
			lastErr := ""
			if j.LastError != nil {
				lastErr = *j.LastError
			}
			fmt.Printf("%d  %-12s  %-8s  attempts=%d  err=%q\n", j.ID, j.Type, j.Status, j.Attempts, lastErr)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runAutoPublish, "auto-publish", false, "Override approval: true publishes without review")
	runCmd.Flags().StringVar(&runModel, "model", "", "Generator model")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON object payload")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Max rows")
	rootCmd.AddCommand(runCmd, enqueueCmd, approveCmd, tickCmd, jobsCmd)
}
