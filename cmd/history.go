package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/state"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the journal of operations run from this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ops, err := history().List(historyLimit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			pterm.Info.Println("No history found.")
			return nil
		}

		pterm.DefaultHeader.Println("Operation History")

		tableData := [][]string{{"ID", "Date", "Kind", "Deployment", "Host", "Status", "Took", "Detail"}}
		for _, op := range ops {
			statusStyle := pterm.NewStyle(pterm.FgGreen)
			switch op.Status {
			case state.StatusFailed:
				statusStyle = pterm.NewStyle(pterm.FgRed)
			case state.StatusDryRun:
				statusStyle = pterm.NewStyle(pterm.FgYellow)
			}

			tableData = append(tableData, []string{
				shortID(op.ID),
				op.Timestamp.Local().Format("2006-01-02 15:04:05"),
				op.Kind,
				op.Deployment,
				op.Host,
				statusStyle.Sprint(op.Status),
				op.Duration,
				op.Detail,
			})
		}

		return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show (0 for all)")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
