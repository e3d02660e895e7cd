package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pterm/pterm"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/provision"
	"github.com/melih-ucgun/rumi/internal/state"
	"github.com/melih-ucgun/rumi/internal/transport"
)

// connect opens an SSH session to h with a spinner.
func connect(ctx context.Context, h config.Host) (*transport.SSHTransport, error) {
	var opts []transport.Option
	if kh := h.KnownHostsPath(); kh != "" {
		opts = append(opts, transport.WithKnownHosts(kh))
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s (%s@%s)...", h.Name, h.User, h.Address))
	t, err := transport.Connect(ctx, h.Credentials(), opts...)
	if err != nil {
		spinner.Fail(fmt.Sprintf("Connection to %s failed", h.Name))
		return nil, err
	}
	spinner.Success(fmt.Sprintf("Connected to %s (%s auth)", h.Name, t.Method()))
	return t, nil
}

// dialHost resolves a host profile by name and connects to it without UI,
// for concurrent fleet runs.
func dialHost(ctx context.Context, name string) (core.Transport, error) {
	h, err := cfg.ResolveHost(name)
	if err != nil {
		return nil, err
	}
	var opts []transport.Option
	if kh := h.KnownHostsPath(); kh != "" {
		opts = append(opts, transport.WithKnownHosts(kh))
	}
	return transport.Connect(ctx, h.Credentials(), opts...)
}

func newStore(remote core.Remote) *backup.Store {
	s := cfg.Settings
	return backup.NewStore(remote,
		backup.WithRoot(s.BackupRoot),
		backup.WithOwner(s.ServiceOwner),
		backup.WithPrivilege(s.Privilege),
		backup.WithStrictListing(s.StrictCatalog),
		backup.WithConfigSources(s.NginxConfigPath, s.SSLCertPath),
		backup.WithLogger(slog.Default()),
	)
}

func newProvisioner(remote core.Remote, store *backup.Store, skipCerts bool) *provision.Provisioner {
	return provision.New(remote, store, cfg.Settings,
		provision.WithDryRun(cfg.Settings.DryRun),
		provision.WithSkipCertificates(skipCerts),
		provision.WithLogger(slog.Default()),
	)
}

var (
	journalMu sync.Mutex
	journal   *state.HistoryManager
)

// history returns the shared journal; fleet workers record into it
// concurrently.
func history() *state.HistoryManager {
	journalMu.Lock()
	defer journalMu.Unlock()
	if journal == nil {
		journal = state.NewHistoryManager(cfg.Settings.HistoryFile)
	}
	return journal
}

// deploymentSession bundles what a per-deployment command needs.
type deploymentSession struct {
	deployment config.Deployment
	host       config.Host
	remote     *transport.SSHTransport
	store      *backup.Store
}

func (s *deploymentSession) Close() error { return s.remote.Close() }

func openDeployment(ctx context.Context, name string) (*deploymentSession, error) {
	d, ok := cfg.Deployment(name)
	if !ok {
		return nil, &core.NotFoundError{Resource: "deployment", ID: name}
	}
	return openFor(ctx, d)
}

func openFor(ctx context.Context, d config.Deployment) (*deploymentSession, error) {
	h, err := cfg.ResolveHost(d.Host)
	if err != nil {
		return nil, err
	}
	remote, err := connect(ctx, h)
	if err != nil {
		return nil, err
	}
	return &deploymentSession{deployment: d, host: h, remote: remote, store: newStore(remote)}, nil
}

// track journals an operation and returns fn's error.
func track(kind string, d config.Deployment, host string, fn func() (string, error)) error {
	if cfg.Settings.DryRun {
		_, err := fn()
		if err == nil {
			_, recErr := history().Record(state.Operation{Kind: kind, Deployment: d.Name, Host: host, Status: state.StatusDryRun})
			if recErr != nil {
				slog.Warn("could not record history", "error", recErr)
			}
		}
		return err
	}
	return history().Track(kind, d.Name, host, fn)
}

func printPlanned(p *provision.Provisioner) {
	planned := p.Planned()
	if len(planned) == 0 {
		return
	}
	pterm.DefaultSection.Println("Planned steps (dry run)")
	items := make([]pterm.BulletListItem, len(planned))
	for i, step := range planned {
		items[i] = pterm.BulletListItem{Level: 0, Text: step}
	}
	pterm.DefaultBulletList.WithItems(items).Render()
}
