package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/fleet"
	"github.com/melih-ucgun/rumi/internal/schedule"
	"github.com/melih-ucgun/rumi/internal/transport"
	"github.com/melih-ucgun/rumi/internal/utils"
)

var (
	backupHost        string
	backupWhere       string
	backupTarget      string
	backupDays        int
	backupHosts       []string
	backupConcurrency int
	backupOut         string
	backupExtract     bool
	backupCron        string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore and expire backups on remote hosts",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <deployment>",
	Short: "Back up a deployment (website files, or nginx and certificates for servers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer sess.Close()
		d := sess.deployment

		if cfg.Settings.DryRun {
			pterm.Info.Printfln("Would create a %s backup of %s", backupKindFor(d), d.Name)
			return nil
		}

		var rec backup.Record
		err = history().Track("backup.create", d.Name, sess.host.Name, func() (string, error) {
			var err error
			if d.Type == config.Website {
				rec, err = sess.store.CreateWebsiteBackup(cmd.Context(), d.Name, d.Domain, cfg.Settings.SiteDir(d.Domain))
			} else {
				rec, err = sess.store.CreateConfigurationBackup(cmd.Context(), d.Name, d.Domain)
			}
			return rec.ID, err
		})
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Created %s backup %s (%s)", rec.Kind, rec.ID, formatBytes(rec.SizeBytes))

		if d.BackupCount > 0 {
			n, err := sess.store.KeepLatest(cmd.Context(), d.Name, d.BackupCount)
			if err != nil {
				return err
			}
			if n > 0 {
				pterm.Info.Printfln("Removed %d backups beyond backup_count=%d", n, d.BackupCount)
			}
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list [deployment]",
	Short: "List backups, newest first",
	Long: `Lists the backup catalog of a host. A deployment argument narrows the list
to that deployment and picks its host. --where filters with an expression over
id, deployment_name, domain, kind, size_bytes, age_days, created_at and
description, for example:

  rumi backup list --where 'kind == "Website" && age_days < 7'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := backup.CompileQuery(backupWhere)
		if err != nil {
			return err
		}

		var deployment, hostName string
		if len(args) == 1 {
			d, ok := cfg.Deployment(args[0])
			if !ok {
				return &core.NotFoundError{Resource: "deployment", ID: args[0]}
			}
			deployment, hostName = d.Name, d.Host
		}
		if backupHost != "" {
			hostName = backupHost
		}

		h, err := cfg.ResolveHost(hostName)
		if err != nil {
			return err
		}
		remote, err := connect(cmd.Context(), h)
		if err != nil {
			return err
		}
		defer remote.Close()

		records, err := newStore(remote).ListBackups(cmd.Context(), deployment)
		if err != nil {
			return err
		}
		records, err = query.Select(records, time.Now())
		if err != nil {
			return err
		}
		return renderRecords(records)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Extract a website backup into a directory on its host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := findBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer found.remote.Close()
		rec := found.record

		target := backupTarget
		if target == "" {
			target = cfg.Settings.RestoreDir(rec.Domain)
		}
		if cfg.Settings.DryRun {
			pterm.Info.Printfln("Would restore %s into %s on %s", rec.ID, target, found.host)
			return nil
		}

		err = history().Track("backup.restore", rec.DeploymentName, found.host, func() (string, error) {
			return target, found.store.RestoreWebsiteBackup(cmd.Context(), rec, target)
		})
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Restored %s into %s", rec.ID, target)
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup archive and its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := findBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer found.remote.Close()
		rec := found.record

		if cfg.Settings.DryRun {
			pterm.Info.Printfln("Would delete %s (%s)", rec.ID, rec.ArtifactPath)
			return nil
		}
		if !confirm(fmt.Sprintf("Delete backup %s of %s from %s?", rec.ID, rec.DeploymentName, found.host)) {
			pterm.Info.Println("Delete cancelled.")
			return nil
		}

		err = history().Track("backup.delete", rec.DeploymentName, found.host, func() (string, error) {
			return rec.ID, found.store.DeleteBackup(cmd.Context(), rec.ID)
		})
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted backup %s", rec.ID)
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups older than the retention period on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		days := cfg.Settings.BackupRetentionDays
		if cmd.Flags().Changed("days") {
			days = backupDays
		}
		hosts := retentionHosts()
		if len(hosts) == 0 {
			return fmt.Errorf("no hosts to clean up; pass --hosts or configure deployments")
		}

		pterm.DefaultSection.Printfln("Retention sweep: %d hosts, keeping %d days", len(hosts), days)
		results := runRetention(cmd.Context(), hosts, days)
		renderFleetResults(results)
		return fleet.Err(results)
	},
}

var backupDownloadCmd = &cobra.Command{
	Use:   "download <backup-id>",
	Short: "Copy a backup archive to this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := findBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer found.remote.Close()
		rec := found.record

		if err := os.MkdirAll(backupOut, 0o755); err != nil {
			return err
		}
		local := filepath.Join(backupOut, path.Base(rec.ArtifactPath))
		spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Downloading %s...", path.Base(rec.ArtifactPath)))
		if err := found.remote.DownloadFile(cmd.Context(), rec.ArtifactPath, local); err != nil {
			spinner.Fail("Download failed")
			return err
		}
		spinner.Success(fmt.Sprintf("Saved %s", local))

		if !backupExtract {
			return nil
		}
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		dest := filepath.Join(backupOut, rec.ID)
		if err := utils.ExtractTarGz(f, dest); err != nil {
			return err
		}
		pterm.Success.Printfln("Extracted into %s", dest)
		return nil
	},
}

var backupOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List archives on a host that have no catalog record",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := cfg.ResolveHost(backupHost)
		if err != nil {
			return err
		}
		remote, err := connect(cmd.Context(), h)
		if err != nil {
			return err
		}
		defer remote.Close()

		orphans, err := newStore(remote).Orphans(cmd.Context())
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			pterm.Success.Println("No orphaned archives.")
			return nil
		}
		pterm.Warning.Printfln("%d archives without metadata:", len(orphans))
		for _, o := range orphans {
			pterm.Println("  " + o)
		}
		return nil
	},
}

var backupScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the retention sweep on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := cfg.Settings.RetentionSchedule
		if backupCron != "" {
			spec = backupCron
		}
		days := cfg.Settings.BackupRetentionDays
		if cmd.Flags().Changed("days") {
			days = backupDays
		}
		hosts := retentionHosts()
		if len(hosts) == 0 {
			return fmt.Errorf("no hosts to clean up; pass --hosts or configure deployments")
		}

		s, err := schedule.New(spec, func(ctx context.Context) error {
			return fleet.Err(runRetention(ctx, hosts, days))
		})
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Retention sweep scheduled '%s' on %d hosts; next run %s. Press Ctrl+C to stop.",
			spec, len(hosts), s.Next(time.Now()).Format(time.RFC1123))
		return s.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupDeleteCmd,
		backupCleanupCmd, backupDownloadCmd, backupOrphansCmd, backupScheduleCmd)

	backupListCmd.Flags().StringVar(&backupHost, "host", "", "host profile to list (default: the deployment's host)")
	backupListCmd.Flags().StringVarP(&backupWhere, "where", "w", "", "filter expression")
	backupOrphansCmd.Flags().StringVar(&backupHost, "host", "", "host profile (default: default_host)")
	backupRestoreCmd.Flags().StringVarP(&backupTarget, "target", "t", "", "restore directory (default: <web_folder>/<domain>_restored)")
	backupDeleteCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "skip the confirmation prompt")
	backupDownloadCmd.Flags().StringVarP(&backupOut, "out", "o", ".", "local directory")
	backupDownloadCmd.Flags().BoolVarP(&backupExtract, "extract", "x", false, "extract the archive after download")
	backupScheduleCmd.Flags().StringVar(&backupCron, "cron", "", "cron expression (default: settings.retention_schedule)")

	for _, c := range []*cobra.Command{backupCleanupCmd, backupScheduleCmd} {
		c.Flags().IntVar(&backupDays, "days", 0, "retention in days (default: settings.backup_retention_days)")
		c.Flags().StringSliceVar(&backupHosts, "hosts", nil, "host profiles to sweep (default: every host with deployments)")
		c.Flags().IntVar(&backupConcurrency, "concurrency", fleet.DefaultConcurrency, "hosts swept in parallel")
	}
}

func backupKindFor(d config.Deployment) backup.Kind {
	if d.Type == config.Website {
		return backup.KindWebsite
	}
	return backup.KindConfiguration
}

// retentionHosts returns --hosts, or every host referenced by a deployment.
func retentionHosts() []string {
	if len(backupHosts) > 0 {
		return backupHosts
	}
	var hosts []string
	for _, d := range cfg.Deployments {
		h, err := cfg.ResolveHost(d.Host)
		if err != nil {
			continue
		}
		if !slices.Contains(hosts, h.Name) {
			hosts = append(hosts, h.Name)
		}
	}
	return hosts
}

// runRetention sweeps expired backups on each host and trims deployments
// with a backup_count limit.
func runRetention(ctx context.Context, hosts []string, days int) []fleet.Result {
	manager := fleet.NewFleetManager(hosts, dialHost, backupConcurrency)
	return manager.Each(ctx, func(ctx context.Context, host string, remote core.Transport) (string, error) {
		store := newStore(remote)
		if cfg.Settings.DryRun {
			records, err := store.ListBackups(ctx, "")
			if err != nil {
				return "", err
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			n := 0
			for _, r := range records {
				if r.CreatedAt.Before(cutoff) {
					n++
				}
			}
			return fmt.Sprintf("would remove %d", n), nil
		}

		var removed int
		err := history().Track("backup.cleanup", "", host, func() (string, error) {
			n, err := store.CleanupOldBackups(ctx, days)
			removed = n
			if err != nil {
				return "", err
			}
			for _, d := range cfg.Deployments {
				if d.BackupCount <= 0 {
					continue
				}
				if h, err := cfg.ResolveHost(d.Host); err != nil || h.Name != host {
					continue
				}
				extra, err := store.KeepLatest(ctx, d.Name, d.BackupCount)
				removed += extra
				if err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("removed %d", removed), nil
		})
		return fmt.Sprintf("removed %d", removed), err
	})
}

type foundBackup struct {
	record backup.Record
	host   string
	remote *transport.SSHTransport
	store  *backup.Store
}

// findBackup searches the catalog of every host with deployments, then the
// default host, for id. The returned connection stays open.
func findBackup(ctx context.Context, id string) (*foundBackup, error) {
	hosts := retentionHosts()
	if len(hosts) == 0 {
		h, err := cfg.ResolveHost("")
		if err != nil {
			return nil, err
		}
		hosts = []string{h.Name}
	}

	for _, name := range hosts {
		h, err := cfg.ResolveHost(name)
		if err != nil {
			return nil, err
		}
		remote, err := connect(ctx, h)
		if err != nil {
			return nil, err
		}
		store := newStore(remote)
		rec, err := store.Get(ctx, id)
		if err == nil {
			return &foundBackup{record: rec, host: h.Name, remote: remote, store: store}, nil
		}
		remote.Close()
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &core.NotFoundError{Resource: "backup", ID: id}
}

func renderRecords(records []backup.Record) error {
	if len(records) == 0 {
		pterm.Info.Println("No backups found.")
		return nil
	}

	tableData := [][]string{{"ID", "Deployment", "Kind", "Created", "Size", "Description"}}
	for _, r := range records {
		kindStyle := pterm.NewStyle(pterm.FgCyan)
		if r.Kind == backup.KindConfiguration {
			kindStyle = pterm.NewStyle(pterm.FgYellow)
		}
		tableData = append(tableData, []string{
			r.ID,
			r.DeploymentName,
			kindStyle.Sprint(r.Kind),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			formatBytes(r.SizeBytes),
			r.DescriptionText(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
}

func renderFleetResults(results []fleet.Result) {
	tableData := [][]string{{"Host", "Status", "Result", "Duration"}}
	for _, r := range results {
		status, detail := pterm.FgGreen.Sprint("ok"), r.Summary
		if r.Err != nil {
			status, detail = pterm.FgRed.Sprint("failed"), r.Err.Error()
		}
		tableData = append(tableData, []string{r.Host, status, detail, r.Duration.Round(time.Millisecond).String()})
	}
	pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
