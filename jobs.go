package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vps-go/internal/ledger"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs submitted from this machine",
		Long: `List jobs recorded in the local job ledger, newest first, with the last
status this machine observed. Use "vps-go status <job-id>" for a fresh read.`,
		Args: cobra.NoArgs,
		RunE: runJobs,
	}

	cmd.Flags().Bool("active", false, "only jobs that have not completed or failed")
	cmd.Flags().Int("limit", 0, "show at most this many jobs (0 = all)")

	cmd.AddCommand(newJobsPruneCmd())

	return cmd
}

func newJobsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs older than a cutoff from the ledger",
		Args:  cobra.NoArgs,
		RunE:  runJobsPrune,
	}

	cmd.Flags().Duration("older-than", defaultPruneAge, "delete finished jobs last updated before this age")

	return cmd
}

const defaultPruneAge = 30 * 24 * time.Hour

// jobView is the --json shape of one ledger entry.
type jobView struct {
	JobID          string    `json:"jobId"`
	ProcessingType string    `json:"processingType"`
	Status         string    `json:"status"`
	Percent        *float64  `json:"percent,omitempty"`
	Message        string    `json:"message,omitempty"`
	BaseURL        string    `json:"baseUrl"`
	SubmittedAt    time.Time `json:"submittedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newJobView(e ledger.Entry) jobView {
	return jobView{
		JobID:          e.JobID,
		ProcessingType: e.ProcessingType,
		Status:         string(e.Status),
		Percent:        e.Percent,
		Message:        e.Message,
		BaseURL:        e.BaseURL,
		SubmittedAt:    e.SubmittedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func runJobs(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	active, err := cmd.Flags().GetBool("active")
	if err != nil {
		return err
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	store, err := openLedger(ctx, cc)
	if err != nil {
		return err
	}

	if store == nil {
		return fmt.Errorf("job ledger is disabled ([ledger] enabled = false)")
	}
	defer store.Close()

	entries, err := store.List(ctx, ledger.ListOptions{Limit: limit, ActiveOnly: active})
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		views := make([]jobView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newJobView(e))
		}

		return printJSON(cc.Out, views)
	}

	if len(entries) == 0 {
		cc.Statusf("No jobs recorded.\n")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.JobID,
			e.ProcessingType,
			string(e.Status),
			formatPercent(e.Percent),
			formatTime(e.SubmittedAt),
			formatTime(e.UpdatedAt),
			e.Message,
		})
	}

	printTable(cc.Out, []string{"JOB ID", "TYPE", "STATUS", "PROGRESS", "SUBMITTED", "UPDATED", "MESSAGE"}, rows)

	return nil
}

func runJobsPrune(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	age, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}

	if age <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", age)
	}

	store, err := openLedger(ctx, cc)
	if err != nil {
		return err
	}

	if store == nil {
		return fmt.Errorf("job ledger is disabled ([ledger] enabled = false)")
	}
	defer store.Close()

	n, err := store.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		return err
	}

	cc.Statusf("Pruned %d job(s)\n", n)

	return nil
}
