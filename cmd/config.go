package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/melih-ucgun/rumi/internal/config"
)

var (
	newHost  config.Host
	initHost bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the rumi configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && len(cfg.Hosts)+len(cfg.Deployments) > 0 {
			if !confirm(fmt.Sprintf("%s already has hosts or deployments. Overwrite?", path)) {
				pterm.Info.Println("Initialization cancelled.")
				return nil
			}
		}

		fresh := config.Default()
		if initHost {
			h, err := promptHost()
			if err != nil {
				return err
			}
			fresh.AddHost(h)
		}
		if err := fresh.Save(path); err != nil {
			return err
		}
		pterm.Success.Printfln("Configuration written to %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		masked := *cfg
		masked.Hosts = make([]config.Host, len(cfg.Hosts))
		for i, h := range cfg.Hosts {
			if h.Password != "" {
				h.Password = "********"
			}
			if h.Passphrase != "" {
				h.Passphrase = "********"
			}
			masked.Hosts[i] = h
		}
		data, err := yaml.Marshal(&masked)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println(configPath())
		pterm.Println(string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := cfg.Validate()
		if err == nil {
			pterm.Success.Printfln("%s is valid (%d hosts, %d deployments)", configPath(), len(cfg.Hosts), len(cfg.Deployments))
			return nil
		}
		for _, line := range strings.Split(err.Error(), "\n") {
			pterm.Error.Println(line)
		}
		return errors.New("configuration is invalid")
	},
}

var configAddHostCmd = &cobra.Command{
	Use:   "add-host <name>",
	Short: "Add or replace an SSH host profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHost
		h.Name = args[0]
		if err := updateConfig(func(c *config.Config) { c.AddHost(h) }); err != nil {
			return err
		}
		pterm.Success.Printfln("Host %s saved (default: %s)", h.Name, cfg.DefaultHost)
		if h.Password != "" {
			pterm.Info.Println("Run 'rumi config encrypt' to encrypt the password at rest.")
		}
		return nil
	},
}

var configEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt plaintext host passwords and passphrases with the master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := config.MasterKey()
		if key == "" {
			return fmt.Errorf("no master key: set %s or create ~/.rumi/master.key", config.MasterKeyEnv)
		}

		raw, err := config.LoadRaw(configPath())
		if err != nil {
			return err
		}
		n, err := raw.EncryptSecrets(key)
		if err != nil {
			return err
		}
		if n == 0 {
			pterm.Info.Println("Nothing to encrypt.")
			return nil
		}
		if err := raw.Save(configPath()); err != nil {
			return err
		}
		pterm.Success.Printfln("Encrypted %d secret values in %s", n, configPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd, configAddHostCmd, configEncryptCmd)

	configInitCmd.Flags().BoolVar(&initHost, "with-host", false, "prompt for a first SSH host")
	configInitCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "overwrite without asking")

	f := configAddHostCmd.Flags()
	f.StringVar(&newHost.Address, "address", "", "host name or IP")
	f.StringVarP(&newHost.User, "user", "u", "root", "login user")
	f.IntVarP(&newHost.Port, "port", "p", 22, "SSH port")
	f.StringVar(&newHost.PublicKeyPath, "public-key", "", "public key file")
	f.StringVar(&newHost.PrivateKeyPath, "private-key", "", "private key file")
	f.StringVar(&newHost.Password, "password", "", "password (prefer keys or the SSH agent)")
	f.StringVar(&newHost.KnownHosts, "known-hosts", "", "known_hosts file for host key verification")
	configAddHostCmd.MarkFlagRequired("address")
}

func promptHost() (config.Host, error) {
	var h config.Host
	var err error
	if h.Name, err = pterm.DefaultInteractiveTextInput.WithDefaultValue("prod").Show("Host name"); err != nil {
		return h, err
	}
	if h.Address, err = pterm.DefaultInteractiveTextInput.Show("Address"); err != nil {
		return h, err
	}
	if h.User, err = pterm.DefaultInteractiveTextInput.WithDefaultValue("root").Show("User"); err != nil {
		return h, err
	}
	home, _ := os.UserHomeDir()
	if _, err := os.Stat(home + "/.ssh/id_ed25519"); err == nil {
		h.PrivateKeyPath = "~/.ssh/id_ed25519"
		h.PublicKeyPath = "~/.ssh/id_ed25519.pub"
	}
	return h, nil
}
