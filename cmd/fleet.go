package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/fleet"
)

var fleetConcurrency int

// fleetCmd represents the fleet command
var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Operations across every configured host",
}

var fleetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report kernel, nginx and service state on all hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Hosts) == 0 {
			pterm.Info.Println("No hosts configured.")
			return nil
		}
		names := make([]string, len(cfg.Hosts))
		for i, h := range cfg.Hosts {
			names[i] = h.Name
		}

		fm := fleet.NewFleetManager(names, dialHost, fleetConcurrency)
		spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Checking %d hosts...", len(names)))
		results := fm.Each(cmd.Context(), hostStatus)
		spinner.Stop()

		renderFleetResults(results)
		return fleet.Err(results)
	},
}

func init() {
	rootCmd.AddCommand(fleetCmd)
	fleetCmd.AddCommand(fleetStatusCmd)
	fleetStatusCmd.Flags().IntVar(&fleetConcurrency, "concurrency", fleet.DefaultConcurrency, "hosts checked in parallel")
}

// hostStatus summarises the kernel, nginx and the server and ethereum node
// deployments placed on host.
func hostStatus(ctx context.Context, host string, remote core.Transport) (string, error) {
	out, err := remote.RunChecked(ctx, "uname -sr")
	if err != nil {
		return "", err
	}
	parts := []string{strings.TrimSpace(out.Stdout)}

	units := []string{"nginx"}
	for _, d := range cfg.Deployments {
		if d.Type != config.Server && d.Type != config.Ethereum {
			continue
		}
		if h, err := cfg.ResolveHost(d.Host); err == nil && h.Name == host {
			units = append(units, d.Name)
		}
	}
	for _, unit := range units {
		// is-active exits non-zero for inactive units; the state is on stdout.
		out, err := remote.Run(ctx, "systemctl is-active "+core.Quote(unit))
		if err != nil {
			return "", err
		}
		state := strings.TrimSpace(out.Stdout)
		if state == "" {
			state = "unknown"
		}
		parts = append(parts, unit+" "+state)
	}
	return strings.Join(parts, ", "), nil
}
