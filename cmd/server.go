package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/provision"
)

var (
	serverDomain   string
	serverBinary   string
	serverPort     int
	serverHost     string
	serverSkipCert bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage binary servers run by systemd behind nginx",
}

var serverDeployCmd = &cobra.Command{
	Use:   "deploy <name>",
	Short: "Install a binary as a systemd service and proxy a domain to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := serverDeployment(args[0])
		if err != nil {
			return err
		}

		sess, err := openFor(cmd.Context(), d)
		if err != nil {
			return err
		}
		defer sess.Close()

		p := newProvisioner(sess.remote, sess.store, serverSkipCert)
		var res provision.Result
		err = track("server.deploy", d, sess.host.Name, func() (string, error) {
			var err error
			res, err = p.DeployServer(cmd.Context(), d.Name, d.Domain, d.BinaryPath, d.Port)
			return res.Path, err
		})
		if err != nil {
			return err
		}

		printPlanned(p)
		if res.Backup != nil {
			pterm.Info.Printfln("Previous proxy configuration saved as backup %s", res.Backup.ID)
		}
		if !cfg.Settings.DryRun {
			pterm.Success.Printfln("%s is running on port %d behind https://%s", d.Name, d.Port, d.Domain)
		}
		return nil
	},
}

func serviceCommand(action, short string, fn func(*provision.Provisioner, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			p := newProvisioner(sess.remote, sess.store, true)
			err = track("server."+action, sess.deployment, sess.host.Name, func() (string, error) {
				return "", fn(p, cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			printPlanned(p)
			if !cfg.Settings.DryRun {
				pterm.Success.Printfln("%s: %s done", args[0], action)
			}
			return nil
		},
	}
}

var serverStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show systemctl status for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		out, err := newProvisioner(sess.remote, sess.store, true).ServerStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		pterm.DefaultSection.Printfln("Server status: %s", args[0])
		pterm.Println(out.Stdout)
		if !out.Success() {
			pterm.Warning.Printfln("systemctl exited with code %d", out.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(
		serverDeployCmd,
		serviceCommand("start", "Start a server", (*provision.Provisioner).StartServer),
		serviceCommand("stop", "Stop a server", (*provision.Provisioner).StopServer),
		serviceCommand("restart", "Restart a server", (*provision.Provisioner).RestartServer),
		serverStatusCmd,
	)

	serverDeployCmd.Flags().StringVarP(&serverDomain, "domain", "d", "", "domain proxied to the server")
	serverDeployCmd.Flags().StringVar(&serverBinary, "binary", "", "local path of the server binary")
	serverDeployCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "port the server listens on")
	serverDeployCmd.Flags().StringVar(&serverHost, "host", "", "host profile (default: default_host)")
	serverDeployCmd.Flags().BoolVar(&serverSkipCert, "skip-certificate", false, "do not request a certificate")
}

func serverDeployment(name string) (config.Deployment, error) {
	d, known := cfg.Deployment(name)
	if !known {
		d = config.Deployment{Name: name, Type: config.Server}
	}
	if d.Type != config.Server {
		return d, fmt.Errorf("deployment %q is a %s, not a server", name, d.Type)
	}
	if serverDomain != "" {
		d.Domain = serverDomain
	}
	if serverBinary != "" {
		abs, err := filepath.Abs(serverBinary)
		if err != nil {
			return d, err
		}
		d.BinaryPath = abs
	}
	if serverPort != 0 {
		d.Port = serverPort
	}
	if serverHost != "" {
		d.Host = serverHost
	}

	if !known && !cfg.Settings.DryRun {
		if err := updateConfig(func(c *config.Config) { c.AddDeployment(d) }); err != nil {
			return d, err
		}
		pterm.Info.Printfln("Added deployment %s to %s", name, configPath())
	}
	return d, nil
}
