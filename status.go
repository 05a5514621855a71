package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Read a job's current status from the VPS",
		Long: `Read a job's current status with a single request to the VPS and update
the local job ledger with the result.`,
		Args: cobra.ExactArgs(1),
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := newServiceClient(cc, true)
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := openRecorder(ctx, cc)
	if err != nil {
		return err
	}
	defer rec.Close()

	h, err := client.GetJobStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reading status of %s: %w", args[0], err)
	}

	rec.Observed(context.WithoutCancel(ctx), h.Event())

	return printHandle(cc.Out, h, cc.Flags.JSON)
}
