package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// formatPercent renders an optional percentage, "-" when absent.
func formatPercent(p *float64) string {
	if p == nil {
		return "-"
	}

	return fmt.Sprintf("%.0f%%", *p)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()
	now := time.Now()

	// Same calendar day: show "15:04:05"
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04:05")
	}

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// formatEvent renders one progress event as a single line.
func formatEvent(ev vps.ProgressEvent) string {
	line := fmt.Sprintf("%-9s %4s", ev.Status, formatPercent(ev.Percent))
	if ev.Message != "" {
		line += "  " + ev.Message
	}

	return line
}

// handleView is the JSON shape of a job handle on stdout.
type handleView struct {
	JobID   string                     `json:"jobId"`
	Status  vps.Status                 `json:"status"`
	Percent *float64                   `json:"percent,omitempty"`
	Message string                     `json:"message,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
}

func newHandleView(h vps.Handle) handleView {
	return handleView{JobID: h.JobID, Status: h.Status, Percent: h.Percent, Message: h.Message, Fields: h.Fields}
}

// printHandle writes h either as indented JSON or as a short summary.
func printHandle(w io.Writer, h vps.Handle, asJSON bool) error {
	if asJSON {
		return printJSON(w, newHandleView(h))
	}

	_, err := fmt.Fprintf(w, "%s  %s\n", h.JobID, formatEvent(h.Event()))

	return err
}

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
