package provision

import (
	"context"
	"fmt"
	"path"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/core"
)

// Result summarizes a provisioning run.
type Result struct {
	// Backup is the snapshot taken before the live site was replaced, if any.
	Backup *backup.Record
	// Path is the directory or binary now serving the deployment.
	Path string
}

// InstallWebsite publishes distPath as the site for domain. An existing site
// is backed up first. A certificate is requested when none is present.
func (p *Provisioner) InstallWebsite(ctx context.Context, name, domain, distPath string) (Result, error) {
	if err := validateTarget(name, domain); err != nil {
		return Result{}, err
	}
	if err := checkLocal(distPath, true); err != nil {
		return Result{}, err
	}

	site := p.settings.SiteDir(domain)
	p.logger.Info("installing website", "deployment", name, "domain", domain, "target", site)

	var res Result
	if p.remote.DirectoryExists(ctx, site) {
		rec, err := p.backupSite(ctx, name, domain, site)
		if err != nil {
			return res, err
		}
		res.Backup = rec
	}

	if err := p.ensureCertificate(ctx, domain); err != nil {
		return res, err
	}
	if err := p.publish(ctx, domain, distPath, site); err != nil {
		return res, err
	}
	if err := p.pointSite(ctx, domain, site); err != nil {
		return res, err
	}

	res.Path = site
	p.logger.Info("website installed", "deployment", name, "domain", domain)
	return res, nil
}

// UpdateWebsite replaces the files of an installed site with distPath after
// backing them up, and points nginx back at the site directory.
func (p *Provisioner) UpdateWebsite(ctx context.Context, name, domain, distPath string) (Result, error) {
	if err := validateTarget(name, domain); err != nil {
		return Result{}, err
	}
	if err := checkLocal(distPath, true); err != nil {
		return Result{}, err
	}

	site := p.settings.SiteDir(domain)
	if !p.remote.DirectoryExists(ctx, site) {
		return Result{}, &core.NotFoundError{Resource: "website", ID: site}
	}
	p.logger.Info("updating website", "deployment", name, "domain", domain)

	rec, err := p.backupSite(ctx, name, domain, site)
	if err != nil {
		return Result{}, err
	}
	res := Result{Backup: rec}

	if err := p.publish(ctx, domain, distPath, site); err != nil {
		return res, err
	}
	if err := p.pointSite(ctx, domain, site); err != nil {
		return res, err
	}

	res.Path = site
	p.logger.Info("website updated", "deployment", name, "domain", domain)
	return res, nil
}

// RollbackWebsite restores the website backup id of deployment name into
// the restore directory and serves it from there.
func (p *Provisioner) RollbackWebsite(ctx context.Context, name, domain, id string) (Result, error) {
	if err := validateTarget(name, domain); err != nil {
		return Result{}, err
	}

	records, err := p.store.ListBackups(ctx, name)
	if err != nil {
		return Result{}, err
	}
	var rec *backup.Record
	for i := range records {
		if records[i].ID == id {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		return Result{}, &core.NotFoundError{Resource: "backup", ID: id}
	}
	if rec.Kind != backup.KindWebsite {
		return Result{}, fmt.Errorf("backup %s is a %s backup, not a website backup", id, rec.Kind)
	}

	target := p.settings.RestoreDir(domain)
	p.logger.Info("rolling back website", "deployment", name, "backup", id, "target", target)

	if err := p.exec(ctx, "clear restore directory", p.cmd("rm -rf %s", target)); err != nil {
		return Result{}, err
	}
	if !p.skip(fmt.Sprintf("restore backup %s to %s", id, target)) {
		if err := p.store.RestoreWebsiteBackup(ctx, *rec, target); err != nil {
			return Result{}, err
		}
	}
	if err := p.pointSite(ctx, domain, target); err != nil {
		return Result{}, err
	}

	p.logger.Info("website rolled back", "deployment", name, "backup", id)
	return Result{Backup: rec, Path: target}, nil
}

func (p *Provisioner) backupSite(ctx context.Context, name, domain, site string) (*backup.Record, error) {
	if p.skip("back up " + site) {
		return nil, nil
	}
	rec, err := p.store.CreateWebsiteBackup(ctx, name, domain, site)
	if err != nil {
		return nil, fmt.Errorf("backup before replacing %s: %w", site, err)
	}
	return &rec, nil
}

// publish uploads distPath to staging and swaps it into site.
func (p *Provisioner) publish(ctx context.Context, domain, distPath, site string) error {
	staging := path.Join(p.stagingDir, domain)
	if !p.skip(fmt.Sprintf("upload %s to %s", distPath, staging)) {
		if err := p.ensureStaging(ctx); err != nil {
			return err
		}
		if _, err := p.remote.RunChecked(ctx, "rm -rf "+core.Quote(staging)); err != nil {
			return fmt.Errorf("clear staging directory: %w", err)
		}
		if err := p.remote.UploadDirectory(ctx, distPath, staging); err != nil {
			return err
		}
	}

	steps := []struct{ what, cmd string }{
		{"remove previous site", p.cmd("rm -rf %s", site)},
		{"create site directory", p.cmd("mkdir -p %s", site)},
		{"copy site files", p.cmd("cp -r %s %s", staging+"/.", site)},
		{"set ownership", p.cmd("chown -R %s %s", p.settings.ServiceOwner, site)},
		{"set permissions", p.cmd("chmod -R 755 %s", site)},
		{"remove staging directory", "rm -rf " + core.Quote(staging)},
	}
	for _, s := range steps {
		if err := p.exec(ctx, s.what, s.cmd); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) pointSite(ctx context.Context, domain, root string) error {
	content, err := p.WebsiteSite(domain, root)
	if err != nil {
		return err
	}
	return p.enableSite(ctx, domain, content)
}
