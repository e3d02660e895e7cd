package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/melih-ucgun/rumi/internal/utils"
)

const (
	DefaultGeth = "/usr/bin/geth"

	gethHTTPPort = 8545
	gethWSPort   = 8546
	gethP2PPort  = 30303

	genesisBalance = "300000000"
)

// EthereumNode describes a geth node and the domain its RPC and websocket
// endpoints are published on.
type EthereumNode struct {
	Name        string
	Domain      string
	NetworkID   int
	HTTPAddress string // geth HTTP listen address, proxied by nginx at /rpc
	WSAddress   string // geth websocket listen address, proxied at /ws
	ExternalIP  string
	Wallet      string // unlocked account and etherbase, also the clique signer
	Password    string // unlocks Wallet
	Bootnode    string // enode URL; empty disables discovery

	// KeystoreFile is a local keystore file for Wallet, copied into the
	// node's keystore. Leave empty when the key is already on the host.
	KeystoreFile string
	// Firewall opens ssh, nginx and the p2p port with ufw and enables it.
	Firewall bool
}

func (n *EthereumNode) validate() error {
	if err := validateTarget(n.Name, n.Domain); err != nil {
		return err
	}
	var errs []error
	if n.NetworkID <= 0 {
		errs = append(errs, fmt.Errorf("network id must be positive, got %d", n.NetworkID))
	}
	if !utils.IsValidAddress(n.Wallet) {
		errs = append(errs, fmt.Errorf("invalid wallet address %q", n.Wallet))
	}
	for _, ip := range []struct{ what, v string }{
		{"http address", n.HTTPAddress},
		{"ws address", n.WSAddress},
		{"external ip", n.ExternalIP},
	} {
		if !utils.IsValidIP(ip.v) {
			errs = append(errs, fmt.Errorf("invalid %s %q", ip.what, ip.v))
		}
	}
	if n.Password == "" {
		errs = append(errs, errors.New("an account password is required"))
	}
	if n.Bootnode != "" && (!strings.HasPrefix(n.Bootnode, "enode://") || strings.IndexFunc(n.Bootnode, unicode.IsSpace) >= 0) {
		errs = append(errs, fmt.Errorf("invalid bootnode %q", n.Bootnode))
	}
	if n.KeystoreFile != "" {
		if err := checkLocal(n.KeystoreFile, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type gethUnitData struct {
	Name         string
	Domain       string
	Geth         string
	NetworkID    int
	DataDir      string
	P2PPort      int
	Bootnode     string
	HTTPAddress  string
	HTTPPort     int
	WSAddress    string
	WSPort       int
	ExternalIP   string
	Wallet       string
	PasswordFile string
}

type genesisData struct {
	ChainID   int
	Signer    string
	ExtraData string
	Balance   string
}

type gethSiteData struct {
	siteData
	HTTPPort int
	WSPort   int
}

// genesis renders a clique genesis with the wallet as the only signer.
func genesis(n EthereumNode) (string, error) {
	signer := strings.ToLower(strings.TrimPrefix(n.Wallet, "0x"))
	return render("genesis.json.tmpl", genesisData{
		ChainID:   n.NetworkID,
		Signer:    signer,
		ExtraData: "0x" + strings.Repeat("0", 64) + signer + strings.Repeat("0", 130),
		Balance:   genesisBalance,
	})
}

// GethUnit renders the systemd unit running n.
func (p *Provisioner) GethUnit(n EthereumNode) (string, error) {
	dir := p.nodeDir(n.Name)
	return render("geth.service.tmpl", gethUnitData{
		Name:         n.Name,
		Domain:       n.Domain,
		Geth:         DefaultGeth,
		NetworkID:    n.NetworkID,
		DataDir:      path.Join(dir, "data"),
		P2PPort:      gethP2PPort,
		Bootnode:     n.Bootnode,
		HTTPAddress:  n.HTTPAddress,
		HTTPPort:     gethHTTPPort,
		WSAddress:    n.WSAddress,
		WSPort:       gethWSPort,
		ExternalIP:   n.ExternalIP,
		Wallet:       n.Wallet,
		PasswordFile: path.Join(dir, "password.sec"),
	})
}

// GethSite renders the nginx site publishing the node's /rpc and /ws
// endpoints over TLS.
func (p *Provisioner) GethSite(domain string) (string, error) {
	cert, key := p.certPaths(domain)
	return render("geth.conf.tmpl", gethSiteData{
		siteData: siteData{Domain: domain, Certificate: cert, CertificateKey: key},
		HTTPPort: gethHTTPPort,
		WSPort:   gethWSPort,
	})
}

func (p *Provisioner) nodeDir(name string) string {
	return path.Join(p.nodeRoot, name)
}

// InstallEthereumNode installs geth from the ethereum PPA, initialises a
// clique chain for n.NetworkID, runs the node as a systemd service and
// publishes its endpoints on n.Domain. An existing nginx site for the domain
// is captured in a configuration backup first. The chain is initialised
// only once; later runs refresh the unit, keys and site.
func (p *Provisioner) InstallEthereumNode(ctx context.Context, n EthereumNode) (Result, error) {
	if err := n.validate(); err != nil {
		return Result{}, err
	}
	dir := p.nodeDir(n.Name)
	dataDir := path.Join(dir, "data")
	p.logger.Info("installing ethereum node", "deployment", n.Name, "domain", n.Domain, "network_id", n.NetworkID, "datadir", dataDir)

	var res Result
	rec, err := p.backupProxy(ctx, n.Name, n.Domain)
	if err != nil {
		return res, err
	}
	res.Backup = rec

	if err := p.installPackages(ctx); err != nil {
		return res, err
	}
	if err := p.exec(ctx, "create node directory", p.cmd("mkdir -p %s", path.Join(dataDir, "keystore"))); err != nil {
		return res, err
	}

	doc, err := genesis(n)
	if err != nil {
		return res, err
	}
	genesisFile := path.Join(dir, "genesis.json")
	if err := p.install(ctx, genesisFile, doc); err != nil {
		return res, err
	}
	passwordFile := path.Join(dir, "password.sec")
	if err := p.install(ctx, passwordFile, n.Password); err != nil {
		return res, err
	}
	if err := p.exec(ctx, "protect password file", p.cmd("chmod 600 %s", passwordFile)); err != nil {
		return res, err
	}
	if n.KeystoreFile != "" {
		if err := p.installKeystore(ctx, n.KeystoreFile, path.Join(dataDir, "keystore")); err != nil {
			return res, err
		}
	}

	if p.remote.DirectoryExists(ctx, path.Join(dataDir, "geth", "chaindata")) {
		p.logger.Debug("chain already initialised", "datadir", dataDir)
	} else if err := p.exec(ctx, "initialise chain", p.cmd("%s init --datadir %s %s", DefaultGeth, dataDir, genesisFile)); err != nil {
		return res, err
	}

	unit, err := p.GethUnit(n)
	if err != nil {
		return res, err
	}
	if err := p.install(ctx, p.unitPath(n.Name), unit); err != nil {
		return res, err
	}
	steps := []struct{ what, cmd string }{
		{"reload systemd", p.cmd("systemctl daemon-reload")},
		{"enable node", p.cmd("systemctl enable %s", n.Name)},
		{"restart node", p.cmd("systemctl restart %s", n.Name)},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return res, err
		}
	}

	if err := p.ensureCertificate(ctx, n.Domain); err != nil {
		return res, err
	}
	site, err := p.GethSite(n.Domain)
	if err != nil {
		return res, err
	}
	if err := p.enableSite(ctx, n.Domain, site); err != nil {
		return res, err
	}

	if n.Firewall {
		if err := p.openFirewall(ctx); err != nil {
			return res, err
		}
	}

	res.Path = dataDir
	p.logger.Info("ethereum node installed", "deployment", n.Name, "domain", n.Domain)
	return res, nil
}

// installPackages adds the ethereum PPA and installs geth, nginx and
// certbot unless geth is already on the host.
func (p *Provisioner) installPackages(ctx context.Context) error {
	out, err := p.remote.Run(ctx, "command -v geth")
	if err != nil {
		return err
	}
	if out.Success() {
		p.logger.Debug("geth already installed", "path", strings.TrimSpace(out.Stdout))
		return nil
	}
	steps := []struct{ what, cmd string }{
		{"add ethereum repository", p.cmd("add-apt-repository -y %s", "ppa:ethereum/ethereum")},
		{"update package index", p.cmd("apt-get update")},
		{"install packages", p.cmd("apt-get install -y %s %s %s", "ethereum", "nginx", "certbot")},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) installKeystore(ctx context.Context, local, keystoreDir string) error {
	staging := path.Join(p.stagingDir, path.Base(local))
	if !p.skip(fmt.Sprintf("upload %s to %s", local, staging)) {
		if err := p.ensureStaging(ctx); err != nil {
			return err
		}
		if err := p.remote.UploadFile(ctx, local, staging, 0o600); err != nil {
			return err
		}
	}
	return p.exec(ctx, "install keystore", p.cmd("mv %s %s", staging, path.Join(keystoreDir, path.Base(local))))
}

// openFirewall keeps ssh reachable before ufw is switched on.
func (p *Provisioner) openFirewall(ctx context.Context) error {
	steps := []struct{ what, cmd string }{
		{"allow ssh", p.cmd("ufw allow %s", "ssh")},
		{"allow nginx", p.cmd("ufw allow %s", "Nginx Full")},
		{"allow p2p", p.cmd("ufw allow %s", fmt.Sprint(gethP2PPort))},
		{"enable firewall", p.cmd("ufw --force enable")},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return err
		}
	}
	return nil
}

// RemoveEthereumNode stops and removes the node's service and nginx site.
// The site is captured in a configuration backup first. The chain data and
// keys stay on the host unless purge is set.
func (p *Provisioner) RemoveEthereumNode(ctx context.Context, name, domain string, purge bool) (Result, error) {
	if err := validateTarget(name, domain); err != nil {
		return Result{}, err
	}
	p.logger.Info("removing ethereum node", "deployment", name, "domain", domain, "purge", purge)

	var res Result
	rec, err := p.backupProxy(ctx, name, domain)
	if err != nil {
		return res, err
	}
	res.Backup = rec

	if unit := p.unitPath(name); p.remote.FileExists(ctx, unit) {
		steps := []struct{ what, cmd string }{
			{"stop node", p.cmd("systemctl disable --now %s", name)},
			{"remove unit", p.cmd("rm -f %s", unit)},
			{"reload systemd", p.cmd("systemctl daemon-reload")},
		}
		for _, s := range steps {
			if err := p.exec(ctx, s.what, s.cmd); err != nil {
				return res, err
			}
		}
	}

	if site := p.sitePath(domain); p.remote.FileExists(ctx, site) {
		steps := []struct{ what, cmd string }{
			{"disable site", p.cmd("rm -f %s", path.Join(p.settings.NginxEnabledPath, domain))},
			{"remove site", p.cmd("rm -f %s", site)},
			{"check nginx configuration", p.cmd("nginx -t")},
			{"reload nginx", p.cmd("systemctl reload nginx")},
		}
		for _, s := range steps {
			if err := p.exec(ctx, s.what, s.cmd); err != nil {
				return res, err
			}
		}
	}

	dir := p.nodeDir(name)
	if purge {
		if err := p.exec(ctx, "remove node data", p.cmd("rm -rf %s", dir)); err != nil {
			return res, err
		}
	} else {
		res.Path = dir
	}
	p.logger.Info("ethereum node removed", "deployment", name, "kept", res.Path)
	return res, nil
}
