package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/provision"
)

var (
	hostingDomain   string
	hostingDist     string
	hostingHost     string
	hostingSkipCert bool
)

var hostingCmd = &cobra.Command{
	Use:   "hosting",
	Short: "Manage static websites served by nginx",
}

var hostingInstallCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install a website, backing up any existing site first",
	Long: `Uploads the dist directory to /var/www/<domain>, requests a certificate when
none exists, and enables an nginx site for it. The deployment is added to the
config file when it is not already there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := websiteDeployment(args[0])
		if err != nil {
			return err
		}
		return runWebsite(cmd, "hosting.install", d, func(p *provision.Provisioner) (provision.Result, error) {
			return p.InstallWebsite(cmd.Context(), d.Name, d.Domain, d.DistPath)
		})
	},
}

var hostingUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Back up and replace the files of an installed website",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := websiteDeployment(args[0])
		if err != nil {
			return err
		}
		return runWebsite(cmd, "hosting.update", d, func(p *provision.Provisioner) (provision.Result, error) {
			return p.UpdateWebsite(cmd.Context(), d.Name, d.Domain, d.DistPath)
		})
	},
}

var hostingRollbackCmd = &cobra.Command{
	Use:   "rollback <name> <backup-id>",
	Short: "Restore a website backup and serve it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, ok := cfg.Deployment(args[0])
		if !ok {
			return fmt.Errorf("deployment %q not found", args[0])
		}
		if !confirm(fmt.Sprintf("Roll %s back to backup %s?", d.Name, args[1])) {
			pterm.Info.Println("Rollback cancelled.")
			return nil
		}
		return runWebsite(cmd, "hosting.rollback", d, func(p *provision.Provisioner) (provision.Result, error) {
			return p.RollbackWebsite(cmd.Context(), d.Name, d.Domain, args[1])
		})
	},
}

var hostingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured website deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		tableData := [][]string{{"Name", "Domain", "Host", "Dist"}}
		for _, d := range cfg.Deployments {
			if d.Type != config.Website {
				continue
			}
			tableData = append(tableData, []string{d.Name, d.Domain, hostLabel(d.Host), d.DistPath})
		}
		if len(tableData) == 1 {
			pterm.Info.Println("No websites configured.")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	},
}

func init() {
	rootCmd.AddCommand(hostingCmd)
	hostingCmd.AddCommand(hostingInstallCmd, hostingUpdateCmd, hostingRollbackCmd, hostingListCmd)

	for _, c := range []*cobra.Command{hostingInstallCmd, hostingUpdateCmd} {
		c.Flags().StringVarP(&hostingDomain, "domain", "d", "", "domain served by the site")
		c.Flags().StringVar(&hostingDist, "dist", "", "local directory to publish")
		c.Flags().StringVar(&hostingHost, "host", "", "host profile (default: default_host)")
	}
	hostingInstallCmd.Flags().BoolVar(&hostingSkipCert, "skip-certificate", false, "do not request a certificate")
	hostingRollbackCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "skip the confirmation prompt")
}

// websiteDeployment merges flags over the configured deployment, saving a
// new deployment to the config file.
func websiteDeployment(name string) (config.Deployment, error) {
	d, known := cfg.Deployment(name)
	if !known {
		d = config.Deployment{Name: name, Type: config.Website}
	}
	if d.Type != config.Website {
		return d, fmt.Errorf("deployment %q is a %s, not a website", name, d.Type)
	}
	if hostingDomain != "" {
		d.Domain = hostingDomain
	}
	if hostingDist != "" {
		d.DistPath = hostingDist
	}
	if hostingHost != "" {
		d.Host = hostingHost
	}
	if d.Domain == "" || d.DistPath == "" {
		return d, fmt.Errorf("deployment %q needs --domain and --dist", name)
	}

	if !known && !cfg.Settings.DryRun {
		if err := updateConfig(func(c *config.Config) { c.AddDeployment(d) }); err != nil {
			return d, err
		}
		pterm.Info.Printfln("Added deployment %s to %s", name, configPath())
	}
	return d, nil
}

func runWebsite(cmd *cobra.Command, kind string, d config.Deployment, fn func(*provision.Provisioner) (provision.Result, error)) error {
	sess, err := openFor(cmd.Context(), d)
	if err != nil {
		return err
	}
	defer sess.Close()

	p := newProvisioner(sess.remote, sess.store, hostingSkipCert)
	var res provision.Result
	err = track(kind, d, sess.host.Name, func() (string, error) {
		var err error
		res, err = fn(p)
		return res.Path, err
	})
	if err != nil {
		return err
	}

	printPlanned(p)
	if res.Backup != nil {
		pterm.Info.Printfln("Previous site saved as backup %s", res.Backup.ID)
	}
	if !cfg.Settings.DryRun {
		pterm.Success.Printfln("%s is live at https://%s (serving %s)", d.Name, d.Domain, res.Path)
	}
	return nil
}

func hostLabel(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}
