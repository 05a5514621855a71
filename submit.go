package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <processing-type>",
		Short: "Submit a processing job",
		Long: `Submit a job for the given processing type. The payload is a JSON value
given with --data, or read from a file with --data-file ("-" reads stdin).

With --wait, follows the job's progress until it completes or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}

	cmd.Flags().String("data", "", "job payload as JSON")
	cmd.Flags().String("data-file", "", `file holding the JSON payload ("-" for stdin)`)
	cmd.Flags().Bool("wait", false, "follow progress until the job is terminal")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)
	processingType := args[0]

	data, err := readPayload(cmd)
	if err != nil {
		return err
	}

	// Validate before any network call or ledger write.
	sub, err := vps.NewSubmission(processingType, data)
	if err != nil {
		return err
	}

	if err := sub.Validate(); err != nil {
		return err
	}

	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		return err
	}

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

	h, err := client.Submit(ctx, sub)
	if err != nil {
		return fmt.Errorf("submitting %s job: %w", sub.ProcessingType(), err)
	}

	rec.Submitted(context.WithoutCancel(ctx), h, sub.ProcessingType())

	if !wait {
		return printHandle(cc.Out, h, cc.Flags.JSON)
	}

	cc.Statusf("Submitted job %s\n", h.JobID)

	_, err = followJob(ctx, cc, client, rec, h.JobID)

	return err
}

// readPayload returns the --data or --data-file payload. Both empty is a
// validation error reported by the submission itself.
func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	data, err := cmd.Flags().GetString("data")
	if err != nil {
		return nil, err
	}

	dataFile, err := cmd.Flags().GetString("data-file")
	if err != nil {
		return nil, err
	}

	switch {
	case data != "":
		return json.RawMessage(data), nil
	case dataFile == "-":
		return readAllPayload(cmd.InOrStdin(), "stdin")
	case dataFile != "":
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, fmt.Errorf("opening payload file: %w", err)
		}
		defer f.Close()

		return readAllPayload(f, dataFile)
	default:
		return nil, nil
	}
}

// maxPayloadBytes bounds payloads read from files or stdin.
const maxPayloadBytes = 16 << 20

var errPayloadTooLarge = errors.New("payload exceeds 16 MiB")

func readAllPayload(r io.Reader, name string) (json.RawMessage, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload from %s: %w", name, err)
	}

	if len(b) > maxPayloadBytes {
		return nil, fmt.Errorf("reading payload from %s: %w", name, errPayloadTooLarge)
	}

	return json.RawMessage(b), nil
}
