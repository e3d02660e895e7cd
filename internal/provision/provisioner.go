// Package provision deploys websites, binary servers and ethereum nodes
// behind nginx on a remote host. Every step is a shell command or a file
// transfer over core.Remote; live sites are backed up through the backup
// store before they are replaced.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/utils"
)

const (
	DefaultStagingDir = "/tmp/rumi"
	DefaultBinDir     = "/usr/local/bin"
	DefaultSystemdDir = "/etc/systemd/system"
	DefaultNodeDir    = "/var/lib/rumi"
)

type Option func(*Provisioner)

// WithDryRun makes the provisioner record mutating steps instead of
// executing them. Read-only checks still run.
func WithDryRun(dryRun bool) Option {
	return func(p *Provisioner) { p.dryRun = dryRun }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithStagingDir sets the login-user writable directory uploads land in
// before they are moved into place.
func WithStagingDir(dir string) Option {
	return func(p *Provisioner) { p.stagingDir = path.Clean(dir) }
}

// WithSystemPaths overrides where binaries and unit files are installed.
func WithSystemPaths(binDir, systemdDir string) Option {
	return func(p *Provisioner) {
		p.binDir = path.Clean(binDir)
		p.systemdDir = path.Clean(systemdDir)
	}
}

// WithNodeDir sets the directory ethereum nodes keep their chain data,
// genesis and password file under, one subdirectory per node.
func WithNodeDir(dir string) Option {
	return func(p *Provisioner) { p.nodeRoot = path.Clean(dir) }
}

// WithSkipCertificates disables certbot. Sites are still rendered with the
// certificate paths.
func WithSkipCertificates(skip bool) Option {
	return func(p *Provisioner) { p.skipCerts = skip }
}

type Provisioner struct {
	remote   core.Remote
	store    *backup.Store
	settings config.Settings

	dryRun     bool
	skipCerts  bool
	stagingDir string
	binDir     string
	systemdDir string
	nodeRoot   string
	logger     *slog.Logger

	planned []string
}

func New(remote core.Remote, store *backup.Store, settings config.Settings, opts ...Option) *Provisioner {
	p := &Provisioner{
		remote:     remote,
		store:      store,
		settings:   settings,
		stagingDir: DefaultStagingDir,
		binDir:     DefaultBinDir,
		systemdDir: DefaultSystemdDir,
		nodeRoot:   DefaultNodeDir,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Planned returns the steps skipped in dry-run mode, in order.
func (p *Provisioner) Planned() []string {
	return append([]string(nil), p.planned...)
}

func (p *Provisioner) skip(step string) bool {
	if !p.dryRun {
		return false
	}
	p.planned = append(p.planned, step)
	p.logger.Info("dry run: skipping step", "step", step)
	return true
}

// cmd formats a privileged command, quoting every argument.
func (p *Provisioner) cmd(format string, args ...string) string {
	quoted := make([]any, len(args))
	for i, a := range args {
		quoted[i] = core.Quote(a)
	}
	return core.Privileged(p.settings.Privilege, fmt.Sprintf(format, quoted...))
}

// exec runs a mutating command and fails on a nonzero exit.
func (p *Provisioner) exec(ctx context.Context, what, command string) error {
	if p.skip(command) {
		return nil
	}
	p.logger.Debug("running", "step", what, "command", command)
	if _, err := p.remote.RunChecked(ctx, command); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// install writes content to dst with root privileges: the text goes to the
// staging directory over the file channel first, then is moved into place.
func (p *Provisioner) install(ctx context.Context, dst, content string) error {
	if p.skip("write " + dst) {
		return nil
	}
	if err := p.ensureStaging(ctx); err != nil {
		return err
	}
	tmp := path.Join(p.stagingDir, strings.ReplaceAll(strings.TrimPrefix(dst, "/"), "/", "_"))
	if err := p.remote.WriteRemoteFile(ctx, tmp, content); err != nil {
		return fmt.Errorf("stage %s: %w", dst, err)
	}
	if _, err := p.remote.RunChecked(ctx, p.cmd("mv %s %s", tmp, dst)); err != nil {
		return fmt.Errorf("install %s: %w", dst, err)
	}
	return nil
}

func (p *Provisioner) ensureStaging(ctx context.Context) error {
	if _, err := p.remote.RunChecked(ctx, "mkdir -p "+core.Quote(p.stagingDir)); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	return nil
}

func validateTarget(name, domain string) error {
	if !utils.IsValidName(name) {
		return fmt.Errorf("invalid deployment name %q", name)
	}
	if !utils.IsValidDomain(domain) {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return nil
}

func checkLocal(p string, wantDir bool) error {
	info, err := os.Stat(p)
	if err != nil {
		return &core.FileOperationError{Op: "stat", Path: p, Err: err}
	}
	if info.IsDir() != wantDir {
		kind := "a regular file"
		if wantDir {
			kind = "a directory"
		}
		return &core.FileOperationError{Op: "stat", Path: p, Err: fmt.Errorf("not %s", kind)}
	}
	return nil
}

// Nginx site handling shared by websites and servers.

func (p *Provisioner) sitePath(domain string) string {
	return path.Join(p.settings.NginxConfigPath, domain)
}

func (p *Provisioner) certPaths(domain string) (string, string) {
	dir := path.Join(p.settings.SSLCertPath, domain)
	return path.Join(dir, "fullchain.pem"), path.Join(dir, "privkey.pem")
}

// ensureCertificate requests a certificate for domain and www.domain unless
// one is already present. certbot's standalone authenticator needs port 80,
// so nginx is stopped around the request.
func (p *Provisioner) ensureCertificate(ctx context.Context, domain string) error {
	if p.skipCerts {
		return nil
	}
	fullchain, _ := p.certPaths(domain)
	if p.remote.FileExists(ctx, fullchain) {
		p.logger.Debug("certificate present", "domain", domain)
		return nil
	}
	return p.exec(ctx, "request certificate", p.certbotCommand(domain))
}

func (p *Provisioner) certbotCommand(domain string) string {
	return p.cmd("certbot certonly --standalone --non-interactive --agree-tos --email %s -d %s -d %s --pre-hook %s --post-hook %s",
		p.settings.SSLEmail, domain, "www."+domain, "systemctl stop nginx", "systemctl start nginx")
}

// enableSite writes the nginx site, links it into the enabled directory,
// checks the configuration and reloads nginx.
func (p *Provisioner) enableSite(ctx context.Context, domain, content string) error {
	site := p.sitePath(domain)
	if err := p.install(ctx, site, content); err != nil {
		return err
	}
	steps := []struct{ what, cmd string }{
		{"enable site", p.cmd("ln -sf %s %s", site, path.Join(p.settings.NginxEnabledPath, domain))},
		{"check nginx configuration", p.cmd("nginx -t")},
		{"reload nginx", p.cmd("systemctl reload nginx")},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return err
		}
	}
	return nil
}
