package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/provision"
)

// PasswordEnv holds the account password for ethereum install when no
// password file is given.
const PasswordEnv = "RUMI_NODE_PASSWORD"

var (
	nodeDomain       string
	nodeNetworkID    int
	nodeHTTPAddress  string
	nodeWSAddress    string
	nodeExternalIP   string
	nodeWallet       string
	nodeBootnode     string
	nodeKeystore     string
	nodePasswordFile string
	nodeHost         string
	nodeSkipCert     bool
	nodeNoFirewall   bool
	nodePurge        bool
)

var ethereumCmd = &cobra.Command{
	Use:     "ethereum",
	Aliases: []string{"eth"},
	Short:   "Manage geth nodes published behind nginx",
}

var ethereumInstallCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install geth, initialise a private chain and publish its RPC and websocket endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := ethereumDeployment(args[0])
		if err != nil {
			return err
		}
		password, err := nodePassword(nodePasswordFile)
		if err != nil {
			return err
		}
		keystore := ""
		if nodeKeystore != "" {
			if keystore, err = filepath.Abs(nodeKeystore); err != nil {
				return err
			}
		}

		sess, err := openFor(cmd.Context(), d)
		if err != nil {
			return err
		}
		defer sess.Close()

		p := newProvisioner(sess.remote, sess.store, nodeSkipCert)
		var res provision.Result
		err = track("ethereum.install", d, sess.host.Name, func() (string, error) {
			var err error
			res, err = p.InstallEthereumNode(cmd.Context(), provision.EthereumNode{
				Name:         d.Name,
				Domain:       d.Domain,
				NetworkID:    d.NetworkID,
				HTTPAddress:  orLoopback(d.HTTPAddress),
				WSAddress:    orLoopback(d.WSAddress),
				ExternalIP:   d.ExternalIP,
				Wallet:       d.WalletAddress,
				Password:     password,
				Bootnode:     d.Bootnode,
				KeystoreFile: keystore,
				Firewall:     !nodeNoFirewall,
			})
			return res.Path, err
		})
		if err != nil {
			return err
		}

		printPlanned(p)
		if res.Backup != nil {
			pterm.Info.Printfln("Previous nginx configuration saved as backup %s", res.Backup.ID)
		}
		if !cfg.Settings.DryRun {
			pterm.Success.Printfln("%s is running on network %d: https://%s/rpc and wss://%s/ws", d.Name, d.NetworkID, d.Domain, d.Domain)
		}
		return nil
	},
}

var ethereumRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Stop a node and remove its service and nginx site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, ok := cfg.Deployment(args[0])
		if !ok || d.Type != config.Ethereum {
			return fmt.Errorf("ethereum node %q not found", args[0])
		}
		question := fmt.Sprintf("Remove node %s from %s?", d.Name, d.Domain)
		if nodePurge {
			question = fmt.Sprintf("Remove node %s and delete its chain data and keys?", d.Name)
		}
		if !confirm(question) {
			pterm.Info.Println("Removal cancelled.")
			return nil
		}

		sess, err := openFor(cmd.Context(), d)
		if err != nil {
			return err
		}
		defer sess.Close()

		p := newProvisioner(sess.remote, sess.store, true)
		var res provision.Result
		err = track("ethereum.remove", d, sess.host.Name, func() (string, error) {
			var err error
			res, err = p.RemoveEthereumNode(cmd.Context(), d.Name, d.Domain, nodePurge)
			return res.Path, err
		})
		if err != nil {
			return err
		}

		printPlanned(p)
		if res.Backup != nil {
			pterm.Info.Printfln("nginx configuration saved as backup %s", res.Backup.ID)
		}
		if cfg.Settings.DryRun {
			return nil
		}
		if err := updateConfig(func(c *config.Config) { c.RemoveDeployment(d.Name) }); err != nil {
			return err
		}
		pterm.Success.Printfln("%s removed", d.Name)
		if res.Path != "" {
			pterm.Info.Printfln("Chain data kept in %s", res.Path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ethereumCmd)
	ethereumCmd.AddCommand(ethereumInstallCmd, ethereumRemoveCmd)

	f := ethereumInstallCmd.Flags()
	f.StringVarP(&nodeDomain, "domain", "d", "", "domain publishing /rpc and /ws")
	f.IntVar(&nodeNetworkID, "network-id", 0, "chain and network id")
	f.StringVar(&nodeWallet, "wallet-address", "", "signer account unlocked by the node")
	f.StringVar(&nodeExternalIP, "external-ip", "", "public IP advertised to peers")
	f.StringVar(&nodeHTTPAddress, "http-address", "", "geth HTTP listen address (default 127.0.0.1)")
	f.StringVar(&nodeWSAddress, "ws-address", "", "geth websocket listen address (default 127.0.0.1)")
	f.StringVar(&nodeBootnode, "bootnode", "", "enode URL of a bootnode; discovery is off without one")
	f.StringVar(&nodeKeystore, "keystore", "", "local keystore file for the wallet")
	f.StringVar(&nodePasswordFile, "password-file", "", "file holding the account password (default $"+PasswordEnv+" or a prompt)")
	f.StringVar(&nodeHost, "host", "", "host profile (default: default_host)")
	f.BoolVar(&nodeSkipCert, "skip-certificate", false, "do not request a certificate")
	f.BoolVar(&nodeNoFirewall, "no-firewall", false, "leave ufw untouched")

	ethereumRemoveCmd.Flags().BoolVar(&nodePurge, "purge", false, "also delete chain data, genesis and password file")
	ethereumRemoveCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "skip the confirmation prompt")
}

// ethereumDeployment merges the install flags into the configured node, or
// registers a new one.
func ethereumDeployment(name string) (config.Deployment, error) {
	d, known := cfg.Deployment(name)
	if !known {
		d = config.Deployment{Name: name, Type: config.Ethereum}
	}
	if d.Type != config.Ethereum {
		return d, fmt.Errorf("deployment %q is a %s, not an ethereum node", name, d.Type)
	}
	for _, set := range []struct {
		dst *string
		v   string
	}{
		{&d.Domain, nodeDomain},
		{&d.WalletAddress, nodeWallet},
		{&d.ExternalIP, nodeExternalIP},
		{&d.HTTPAddress, nodeHTTPAddress},
		{&d.WSAddress, nodeWSAddress},
		{&d.Bootnode, nodeBootnode},
		{&d.Host, nodeHost},
	} {
		if set.v != "" {
			*set.dst = set.v
		}
	}
	if nodeNetworkID != 0 {
		d.NetworkID = nodeNetworkID
	}

	if !known && !cfg.Settings.DryRun {
		if err := updateConfig(func(c *config.Config) { c.AddDeployment(d) }); err != nil {
			return d, err
		}
		pterm.Info.Printfln("Added deployment %s to %s", name, configPath())
	}
	return d, nil
}

// nodePassword reads the account password from file, then $RUMI_NODE_PASSWORD,
// then a masked prompt. A trailing newline in the file is dropped.
func nodePassword(file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if v := os.Getenv(PasswordEnv); v != "" {
		return v, nil
	}
	v, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Account password")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", errors.New("an account password is required")
	}
	return v, nil
}

func orLoopback(addr string) string {
	if addr == "" {
		return "127.0.0.1"
	}
	return addr
}
