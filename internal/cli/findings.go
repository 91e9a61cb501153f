package cli

import (
	"github.com/spf13/cobra"

	"github.com/nimiglory/cyra/internal/findings"
	"github.com/nimiglory/cyra/internal/scanjob"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Show findings for a timeframe",
	Long: `Findings fetches the vulnerabilities the service reports for the
timeframe. When the service cannot be reached the last findings fetched
for that timeframe are shown instead.`,
	Args: cobra.NoArgs,
	RunE: runFindings,
}

func init() {
	rootCmd.AddCommand(findingsCmd)
	findingsCmd.Flags().String("timeframe", "30d", "Findings timeframe (30d, 1w, 2d, last)")
}

func runFindings(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if _, err := a.requireUser(ctx); err != nil {
		return err
	}

	tf, err := findings.ParseTimeframe(a.cfg.Scan.Timeframe)
	if err != nil {
		return err
	}
	ctl := a.controller(scanjob.WithListener(progressPrinter(a.stderr)))
	defer ctl.Close()

	snap := ctl.ChangeTimeframe(ctx, tf)
	return a.render(ctx, cmd, resultFromSnapshot(&snap))
}
