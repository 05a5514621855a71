package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

// errJobFailed is returned when a followed job ends in FAILED. The failure
// has already been printed.
var errJobFailed = errors.New("job failed")

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it completes or fails",
		Long: `Follow a job's progress, printing one line per change, until the job
reaches COMPLETED or FAILED or you press Ctrl-C.

Progress is observed with the configured [progress] mode: polling, the
server-push stream, or auto (stream, falling back to polling).`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

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

	_, err = followJob(ctx, cc, client, rec, args[0])

	return err
}

// progressTracker is the subset of *vps.Client followJob needs.
type progressTracker interface {
	TrackProgress(ctx context.Context, jobID string, onEvent func(vps.ProgressEvent)) (*vps.Subscription, error)
}

// followJob subscribes to jobID and prints every event until the job is
// terminal. Canceling ctx stops following without an error. A FAILED job
// returns errJobFailed.
func followJob(ctx context.Context, cc *CLIContext, tracker progressTracker, rec *ledgerRecorder, jobID string) (vps.ProgressEvent, error) {
	var last vps.ProgressEvent

	printer := newEventPrinter(cc.Out, cc.Flags.JSON)
	recordCtx := context.WithoutCancel(ctx)

	sub, err := tracker.TrackProgress(ctx, jobID, func(ev vps.ProgressEvent) {
		last = ev
		rec.Observed(recordCtx, ev)

		if perr := printer.print(ev); perr != nil {
			cc.Logger.Warn("writing progress failed", slog.String("error", perr.Error()))
		}
	})
	if err != nil {
		return last, err
	}

	// Wait establishes happens-before with every callback, so last is safe
	// to read afterwards.
	err = sub.Wait(context.Background())

	switch {
	case errors.Is(err, context.Canceled):
		cc.Statusf("Stopped following %s\n", jobID)
		return last, nil
	case err != nil:
		return last, fmt.Errorf("following job %s: %w", jobID, err)
	case last.Status == vps.StatusFailed:
		cc.Statusf("Job %s failed\n", jobID)
		return last, errJobFailed
	default:
		return last, nil
	}
}

// eventPrinter writes progress events as text lines or as one compact JSON
// object per line.
type eventPrinter struct {
	w      io.Writer
	asJSON bool
	enc    *json.Encoder
}

func newEventPrinter(w io.Writer, asJSON bool) *eventPrinter {
	return &eventPrinter{w: w, asJSON: asJSON, enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ev vps.ProgressEvent) error {
	if p.asJSON {
		return p.enc.Encode(ev)
	}

	_, err := fmt.Fprintf(p.w, "%s  %s\n", formatTime(time.Now()), formatEvent(ev))

	return err
}
