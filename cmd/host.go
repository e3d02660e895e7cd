package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Work with configured SSH hosts",
}

var hostTestCmd = &cobra.Command{
	Use:   "test [name]",
	Short: "Connect to a host and run a test command",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		h, err := cfg.ResolveHost(name)
		if err != nil {
			return err
		}

		remote, err := connect(cmd.Context(), h)
		if err != nil {
			return err
		}
		defer remote.Close()

		if err := remote.Ping(cmd.Context()); err != nil {
			return err
		}
		pterm.Success.Printfln("%s@%s is reachable (%s auth)", h.User, h.Address, remote.Method())
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Hosts) == 0 {
			pterm.Info.Println("No hosts configured. Add one with 'rumi config add-host'.")
			return nil
		}
		tableData := [][]string{{"Name", "Address", "User", "Port", "Auth", "Default"}}
		for _, h := range cfg.Hosts {
			auth := "agent"
			switch {
			case h.PrivateKeyPath != "":
				auth = "key"
			case h.Password != "":
				auth = "password"
			}
			def := ""
			if h.Name == cfg.DefaultHost {
				def = "*"
			}
			tableData = append(tableData, []string{h.Name, h.Address, h.User, pterm.Sprint(h.Port), auth, def})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.AddCommand(hostTestCmd, hostListCmd)
}
