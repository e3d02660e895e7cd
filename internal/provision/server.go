package provision

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/utils"
)

// DeployServer installs the binary at binaryPath as a systemd service named
// name, listening on port, and exposes it through an nginx reverse proxy for
// domain. An existing proxy site is captured in a configuration backup
// before it is rewritten.
func (p *Provisioner) DeployServer(ctx context.Context, name, domain, binaryPath string, port int) (Result, error) {
	if err := validateTarget(name, domain); err != nil {
		return Result{}, err
	}
	if !utils.IsValidPort(port) {
		return Result{}, fmt.Errorf("invalid port %d", port)
	}
	if err := checkLocal(binaryPath, false); err != nil {
		return Result{}, err
	}

	binary := path.Join(p.binDir, name)
	p.logger.Info("deploying server", "deployment", name, "domain", domain, "port", port, "binary", binary)

	var res Result
	rec, err := p.backupProxy(ctx, name, domain)
	if err != nil {
		return res, err
	}
	res.Backup = rec

	if err := p.installBinary(ctx, binaryPath, binary); err != nil {
		return res, err
	}

	user, group, _ := strings.Cut(p.settings.ServiceOwner, ":")
	unit, err := render("service.tmpl", unitData{Name: name, Domain: domain, Binary: binary, Port: port, User: user, Group: group})
	if err != nil {
		return res, err
	}
	if err := p.install(ctx, p.unitPath(name), unit); err != nil {
		return res, err
	}
	steps := []struct{ what, cmd string }{
		{"reload systemd", p.cmd("systemctl daemon-reload")},
		{"enable service", p.cmd("systemctl enable %s", name)},
		{"restart service", p.cmd("systemctl restart %s", name)},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return res, err
		}
	}

	if err := p.ensureCertificate(ctx, domain); err != nil {
		return res, err
	}
	site, err := p.ProxySite(domain, port)
	if err != nil {
		return res, err
	}
	if err := p.enableSite(ctx, domain, site); err != nil {
		return res, err
	}

	res.Path = binary
	p.logger.Info("server deployed", "deployment", name, "domain", domain)
	return res, nil
}

// installBinary copies the binary through staging so a running service
// keeps its old executable until the move.
func (p *Provisioner) installBinary(ctx context.Context, local, binary string) error {
	staging := path.Join(p.stagingDir, path.Base(binary))
	if !p.skip(fmt.Sprintf("upload %s to %s", local, staging)) {
		if err := p.ensureStaging(ctx); err != nil {
			return err
		}
		if err := p.remote.UploadFile(ctx, local, staging, 0o755); err != nil {
			return err
		}
	}
	if err := p.exec(ctx, "install binary", p.cmd("mv %s %s", staging, binary)); err != nil {
		return err
	}
	return p.exec(ctx, "make binary executable", p.cmd("chmod 755 %s", binary))
}

// backupProxy takes a configuration backup when domain already has an nginx
// site, so the site and its certificates can be recovered after a rewrite.
func (p *Provisioner) backupProxy(ctx context.Context, name, domain string) (*backup.Record, error) {
	if !p.remote.FileExists(ctx, p.sitePath(domain)) || p.skip("back up configuration of "+domain) {
		return nil, nil
	}
	rec, err := p.store.CreateConfigurationBackup(ctx, name, domain)
	if err != nil {
		return nil, fmt.Errorf("backup before replacing %s: %w", p.sitePath(domain), err)
	}
	return &rec, nil
}

func (p *Provisioner) unitPath(name string) string {
	return path.Join(p.systemdDir, name+".service")
}

// StartServer, StopServer and RestartServer drive the service with
// systemctl and fail on a nonzero exit.
func (p *Provisioner) StartServer(ctx context.Context, name string) error {
	return p.systemctl(ctx, "start", name)
}

func (p *Provisioner) StopServer(ctx context.Context, name string) error {
	return p.systemctl(ctx, "stop", name)
}

func (p *Provisioner) RestartServer(ctx context.Context, name string) error {
	return p.systemctl(ctx, "restart", name)
}

func (p *Provisioner) systemctl(ctx context.Context, action, name string) error {
	if !utils.IsValidName(name) {
		return fmt.Errorf("invalid deployment name %q", name)
	}
	if err := p.exec(ctx, action+" "+name, p.cmd("systemctl %s %s", action, name)); err != nil {
		return err
	}
	p.logger.Info("service "+action+" done", "service", name)
	return nil
}

// ServerStatus returns the output of systemctl status. The exit code is not
// checked: systemctl reports a stopped unit with a nonzero status.
func (p *Provisioner) ServerStatus(ctx context.Context, name string) (core.CommandOutcome, error) {
	if !utils.IsValidName(name) {
		return core.CommandOutcome{}, fmt.Errorf("invalid deployment name %q", name)
	}
	return p.remote.Run(ctx, p.cmd("systemctl status --no-pager %s", name))
}
