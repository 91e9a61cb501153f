package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimiglory/cyra/internal/report"
	"github.com/nimiglory/cyra/internal/scanjob"
)

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Scan a website and show the resulting findings",
	Long: `Scan submits the URL to the scanning service, polls the job until it
settles and then prints the findings for the selected timeframe.

A URL without a scheme is scanned over https. The progress shown while
the job runs is an estimate; the service reports none.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().String("timeframe", "30d", "Findings timeframe (30d, 1w, 2d, last)")
	scanCmd.Flags().Duration("interval", 2*time.Second, "Time between status polls")
	scanCmd.Flags().Int("max-polls", 60, "Polls before giving up on the job")
}

// runScan wires config → session → controller, runs one job to its end
// and renders the findings refreshed afterwards.
func runScan(cmd *cobra.Command, args []string) error {
	target, err := scanjob.NormalizeTarget(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if _, err := a.requireUser(ctx); err != nil {
		return err
	}

	ctl := a.controller(scanjob.WithListener(progressPrinter(a.stderr)))
	defer ctl.Close()

	if _, err := ctl.Submit(ctx, target); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}

	out, err := ctl.Wait(ctx)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return fmt.Errorf("scan interrupted: %w", err)
		}
		return err
	}

	result := resultFromSnapshot(out.Findings)
	result.Scan = &report.ScanInfo{
		ID:       out.Job.ID,
		Target:   out.Job.TargetURL,
		Status:   out.Job.Status.String(),
		Polls:    out.Job.Polls,
		Duration: out.Job.Elapsed(),
		TimedOut: out.Job.Status == scanjob.StatusTimedOut,
	}
	return a.render(ctx, cmd, result)
}

// progressPrinter reports controller events as terminal lines.
func progressPrinter(w io.Writer) func(scanjob.Event) {
	return func(ev scanjob.Event) {
		switch ev.Kind {
		case scanjob.EventSubmitted:
			fmt.Fprintf(w, "[*] Submitting scan for %s\n", ev.Job.TargetURL)
		case scanjob.EventProgress:
			fmt.Fprintf(w, "[*] Scanning %s... ~%d%% (estimated)\n", ev.Job.TargetURL, ev.Job.EstimatedProgress)
		case scanjob.EventCompleted:
			fmt.Fprintf(w, "[+] Scan %s completed after %d polls\n", ev.Job.ID, ev.Job.Polls)
		case scanjob.EventTimedOut:
			fmt.Fprintf(w, "[!] Scan %s still %q after %d polls; showing the latest findings\n",
				ev.Job.ID, ev.Job.RemoteStatus, ev.Job.Polls)
		case scanjob.EventFailed:
			fmt.Fprintf(w, "[!] %s\n", ev.Message)
		case scanjob.EventFindings:
			if ev.Snapshot != nil && ev.Snapshot.FromCache {
				fmt.Fprintf(w, "[!] Could not fetch findings, showing cached results: %v\n", ev.Snapshot.Err)
			}
		}
	}
}

func resultFromSnapshot(snap *scanjob.Snapshot) *report.Result {
	result := &report.Result{GeneratedAt: time.Now().UTC()}
	if snap == nil {
		return result
	}
	result.Timeframe = snap.Timeframe
	result.Findings = snap.Findings
	result.FromCache = snap.FromCache
	if snap.Err != nil {
		result.FetchError = snap.Err.Error()
	}
	return result
}
