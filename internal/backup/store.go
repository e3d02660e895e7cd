// Package backup keeps a catalog of compressed backup archives on a remote
// host. The catalog lives entirely on the remote filesystem:
//
//	R/metadata/{id}.json                     one file per record
//	R/{archive}/{archive}.tar.gz             one archive per record
//
// All I/O goes through core.Remote, so the store works the same against a
// live SSH connection and against transport.MockTransport.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/melih-ucgun/rumi/internal/core"
)

const (
	DefaultRoot      = "/var/backups/rumi"
	DefaultOwner     = "www-data:www-data"
	DefaultPrivilege = "sudo"

	// DefaultStagingDir holds metadata written by the login user before it is
	// moved into the root-owned catalog.
	DefaultStagingDir = "/tmp/rumi"

	DefaultNginxSitesDir = "/etc/nginx/sites-available"
	DefaultCertDir       = "/etc/letsencrypt/live"

	metadataDir     = "metadata"
	stagingDir      = "staging"
	timestampFormat = "20060102_150405"
	archiveExt      = ".tar.gz"
)

// ErrInvalidName is returned when a deployment name or domain could escape
// the backup root or break the archive naming scheme.
var ErrInvalidName = errors.New("invalid backup name")

type Option func(*Store)

// WithRoot sets the backup root R.
func WithRoot(root string) Option {
	return func(s *Store) { s.root = path.Clean(root) }
}

// WithOwner sets the user:group given to restored trees.
func WithOwner(owner string) Option {
	return func(s *Store) { s.owner = owner }
}

// WithPrivilege sets the command prefix used for filesystem mutations. An
// empty prefix runs everything as the login user.
func WithPrivilege(prefix string) Option {
	return func(s *Store) { s.privilege = prefix }
}

// WithStrictListing makes ListBackups fail on unreadable metadata instead of
// skipping it.
func WithStrictListing(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithStagingDir sets the directory metadata is written to before a
// privileged move into the catalog.
func WithStagingDir(dir string) Option {
	return func(s *Store) { s.stagingDir = path.Clean(dir) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfigSources overrides where configuration backups copy the reverse
// proxy site and the certificate directory from.
func WithConfigSources(nginxSitesDir, certDir string) Option {
	return func(s *Store) {
		s.nginxSitesDir = nginxSitesDir
		s.certDir = certDir
	}
}

// Store creates, lists, restores and expires backups under one root.
// It is not safe for concurrent use; it inherits the exclusivity of the
// remote handle it wraps.
type Store struct {
	remote        core.Remote
	root          string
	owner         string
	privilege     string
	stagingDir    string
	strict        bool
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger
	nginxSitesDir string
	certDir       string
}

func NewStore(remote core.Remote, opts ...Option) *Store {
	s := &Store{
		remote:        remote,
		root:          DefaultRoot,
		owner:         DefaultOwner,
		privilege:     DefaultPrivilege,
		stagingDir:    DefaultStagingDir,
		now:           time.Now,
		newID:         func() string { return uuid.NewString() },
		logger:        slog.Default(),
		nginxSitesDir: DefaultNginxSitesDir,
		certDir:       DefaultCertDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Root() string { return s.root }

func (s *Store) metadataDir() string { return path.Join(s.root, metadataDir) }

func (s *Store) metadataPath(id string) string {
	return path.Join(s.metadataDir(), id+".json")
}

func (s *Store) cmd(format string, args ...string) string {
	quoted := make([]any, len(args))
	for i, a := range args {
		quoted[i] = core.Quote(a)
	}
	return core.Privileged(s.privilege, fmt.Sprintf(format, quoted...))
}

// within reports whether p is strictly below the backup root.
func (s *Store) within(p string) bool {
	p = path.Clean(p)
	return strings.HasPrefix(p, s.root+"/") && p != s.metadataDir()
}

func validateName(kind, v string) error {
	switch {
	case v == "", v == ".", v == "..":
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, v)
	case strings.ContainsRune(v, '/'), strings.IndexFunc(v, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %s %q must not contain '/' or whitespace", ErrInvalidName, kind, v)
	}
	return nil
}

// pending is a record whose archive has not been written yet.
type pending struct {
	Record
	dir string
}

func (s *Store) begin(name, domain, label string, kind Kind, description string) (pending, error) {
	if err := validateName("deployment name", name); err != nil {
		return pending{}, err
	}
	if err := validateName("domain", domain); err != nil {
		return pending{}, err
	}

	created := s.now().UTC()
	archive := fmt.Sprintf("%s_%s_%s_%s", name, domain, label, created.Format(timestampFormat))
	dir := path.Join(s.root, archive)

	return pending{
		Record: Record{
			ID:             s.newID(),
			DeploymentName: name,
			Domain:         domain,
			CreatedAt:      created,
			Kind:           kind,
			ArtifactPath:   path.Join(dir, archive+archiveExt),
			Description:    &description,
		},
		dir: dir,
	}, nil
}

// CreateWebsiteBackup archives sourcePath and records it.
//
// Creation has two phases: the archive is written first and the metadata
// second. When the second phase fails the archive is left behind without a
// record; Orphans finds such archives.
func (s *Store) CreateWebsiteBackup(ctx context.Context, name, domain, sourcePath string) (Record, error) {
	p, err := s.begin(name, domain, "website", KindWebsite, "Website backup for "+domain)
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("creating website backup", "deployment", name, "domain", domain, "source", sourcePath)

	if _, err := s.remote.RunChecked(ctx, s.cmd("mkdir -p %s", p.dir)); err != nil {
		return Record{}, fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.remote.RunChecked(ctx, s.cmd("tar -czf %s -C %s .", p.ArtifactPath, sourcePath)); err != nil {
		return Record{}, fmt.Errorf("compress %s: %w", sourcePath, err)
	}

	return s.finish(ctx, p)
}

// CreateConfigurationBackup archives the domain's reverse proxy site and its
// certificate directory. Either may be missing; copy failures are ignored.
// The staging copies are removed whether or not compression succeeds.
func (s *Store) CreateConfigurationBackup(ctx context.Context, name, domain string) (Record, error) {
	p, err := s.begin(name, domain, "config", KindConfiguration, "Configuration backup for "+domain)
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("creating configuration backup", "deployment", name, "domain", domain)

	staging := path.Join(p.dir, stagingDir)
	if _, err := s.remote.RunChecked(ctx, s.cmd("mkdir -p %s", staging)); err != nil {
		return Record{}, fmt.Errorf("create backup directory: %w", err)
	}

	sources := []struct{ src, dst string }{
		{path.Join(s.nginxSitesDir, domain), path.Join(staging, "nginx_config")},
		{path.Join(s.certDir, domain), path.Join(staging, "ssl_certs")},
	}
	for _, c := range sources {
		out, err := s.remote.Run(ctx, s.cmd("cp -r %s %s", c.src, c.dst))
		if err != nil {
			s.removeStaging(ctx, staging)
			return Record{}, fmt.Errorf("stage %s: %w", c.src, err)
		}
		if !out.Success() {
			s.logger.Debug("configuration source not copied", "source", c.src, "exit_code", out.ExitCode)
		}
	}

	_, tarErr := s.remote.RunChecked(ctx, s.cmd("tar -czf %s -C %s .", p.ArtifactPath, staging))
	s.removeStaging(ctx, staging)
	if tarErr != nil {
		return Record{}, fmt.Errorf("compress configuration: %w", tarErr)
	}

	return s.finish(ctx, p)
}

func (s *Store) removeStaging(ctx context.Context, staging string) {
	out, err := s.remote.Run(ctx, s.cmd("rm -rf %s", staging))
	if err != nil || !out.Success() {
		s.logger.Warn("could not remove staging directory", "path", staging, "error", err, "exit_code", out.ExitCode)
	}
}

// finish measures the archive and persists the record.
func (s *Store) finish(ctx context.Context, p pending) (Record, error) {
	out, err := s.remote.RunChecked(ctx, s.cmd("stat -c%%s %s", p.ArtifactPath))
	if err != nil {
		return Record{}, fmt.Errorf("measure archive: %w", err)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(out.Stdout), 10, 64)
	if err != nil {
		return Record{}, &core.ParseError{What: "archive size", Input: out.Stdout, Err: err}
	}
	p.SizeBytes = size

	if err := s.persist(ctx, p.Record); err != nil {
		s.logger.Warn("archive left without metadata", "artifact", p.ArtifactPath, "error", err)
		return Record{}, err
	}

	s.logger.Info("backup created", "id", p.ID, "artifact", p.ArtifactPath, "size_bytes", size)
	return p.Record, nil
}

// persist writes r's metadata. With a privilege prefix the catalog is owned
// by root, so the file is written to the staging directory as the login user
// and moved into place.
func (s *Store) persist(ctx context.Context, r Record) error {
	if _, err := s.remote.RunChecked(ctx, s.cmd("mkdir -p %s", s.metadataDir())); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	data, err := Encode(r)
	if err != nil {
		return fmt.Errorf("encode backup metadata: %w", err)
	}

	dst := s.metadataPath(r.ID)
	if s.privilege == "" {
		if err := s.remote.WriteRemoteFile(ctx, dst, string(data)); err != nil {
			return fmt.Errorf("write backup metadata: %w", err)
		}
		return nil
	}

	if _, err := s.remote.RunChecked(ctx, "mkdir -p "+core.Quote(s.stagingDir)); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	staged := path.Join(s.stagingDir, "backup-"+r.ID+".json")
	if err := s.remote.WriteRemoteFile(ctx, staged, string(data)); err != nil {
		return fmt.Errorf("write backup metadata: %w", err)
	}
	if _, err := s.remote.RunChecked(ctx, s.cmd("mv %s %s", staged, dst)); err != nil {
		if out, rmErr := s.remote.Run(ctx, "rm -f "+core.Quote(staged)); rmErr != nil || !out.Success() {
			s.logger.Debug("staged metadata kept", "path", staged, "error", rmErr)
		}
		return fmt.Errorf("install backup metadata: %w", err)
	}
	return nil
}

// ListBackups returns every record, newest first. A non-empty deployment
// filters on an exact deployment name match.
//
// Metadata that cannot be read or decoded is skipped, unless the store was
// built WithStrictListing, in which case the first such entry fails the
// whole listing.
func (s *Store) ListBackups(ctx context.Context, deployment string) ([]Record, error) {
	entries, err := s.list(ctx, deployment)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	return records, nil
}

// entry is a listed record and the metadata file it was read from. The file
// name need not match the record id.
type entry struct {
	Record
	file string
}

func (s *Store) list(ctx context.Context, deployment string) ([]entry, error) {
	if !s.remote.DirectoryExists(ctx, s.metadataDir()) {
		return nil, nil
	}

	out, err := s.remote.RunChecked(ctx, s.cmd("find %s -name %s -type f", s.metadataDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("enumerate backup metadata: %w", err)
	}

	var entries []entry
	for _, line := range strings.Split(out.Stdout, "\n") {
		file := strings.TrimSpace(line)
		if file == "" {
			continue
		}

		content, err := s.remote.Run(ctx, s.cmd("cat %s", file))
		if err != nil {
			return nil, fmt.Errorf("read backup metadata %s: %w", file, err)
		}
		if !content.Success() {
			if s.strict {
				return nil, &core.ParseError{What: "backup metadata", Input: file, Err: errors.New(strings.TrimSpace(content.Stderr))}
			}
			s.logger.Warn("skipping unreadable backup metadata", "path", file, "exit_code", content.ExitCode)
			continue
		}

		r, err := Decode([]byte(content.Stdout))
		if err != nil {
			if s.strict {
				return nil, err
			}
			s.logger.Warn("skipping malformed backup metadata", "path", file, "error", err)
			continue
		}

		if deployment != "" && r.DeploymentName != deployment {
			continue
		}
		entries = append(entries, entry{Record: r, file: file})
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return entries, nil
}

// Get finds a record by id. It scans the whole catalog.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	records, err := s.ListBackups(ctx, "")
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, &core.NotFoundError{Resource: "backup", ID: id}
}

// DeleteBackup removes a record's archive and metadata. Locating the record
// is a linear scan of every metadata file, so the cost grows with the
// catalog. Both removals are attempted even when one of them fails.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	entries, err := s.list(ctx, "")
	if err != nil {
		return err
	}
	var matches []entry
	for _, e := range entries {
		if e.ID == id {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return &core.NotFoundError{Resource: "backup", ID: id}
	}
	r := matches[0].Record
	s.logger.Info("deleting backup", "id", id, "artifact", r.ArtifactPath)

	var errs []error
	switch {
	case !s.within(r.ArtifactPath):
		errs = append(errs, fmt.Errorf("artifact %s is outside backup root %s, not removed", r.ArtifactPath, s.root))
	case s.remote.FileExists(ctx, r.ArtifactPath):
		if _, err := s.remote.RunChecked(ctx, s.cmd("rm -f %s", r.ArtifactPath)); err != nil {
			errs = append(errs, fmt.Errorf("remove archive: %w", err))
		} else {
			s.removeArchiveDir(ctx, path.Dir(r.ArtifactPath))
		}
	}

	// Every file carrying this id goes, including copies whose name differs
	// from the id.
	for _, e := range matches {
		if _, err := s.remote.RunChecked(ctx, s.cmd("rm -f %s", e.file)); err != nil {
			errs = append(errs, fmt.Errorf("remove metadata %s: %w", e.file, err))
		}
	}

	return errors.Join(errs...)
}

// removeArchiveDir drops the per-archive directory once it is empty.
func (s *Store) removeArchiveDir(ctx context.Context, dir string) {
	if !s.within(dir) {
		return
	}
	out, err := s.remote.Run(ctx, s.cmd("rmdir %s", dir))
	if err != nil || !out.Success() {
		s.logger.Debug("archive directory kept", "path", dir, "error", err)
	}
}

// RestoreWebsiteBackup extracts r's archive into targetPath and hands the
// tree to the service owner with mode 755.
func (s *Store) RestoreWebsiteBackup(ctx context.Context, r Record, targetPath string) error {
	if !s.remote.FileExists(ctx, r.ArtifactPath) {
		return &core.NotFoundError{Resource: "backup archive", ID: r.ArtifactPath}
	}
	s.logger.Info("restoring backup", "id", r.ID, "target", targetPath)

	steps := []struct{ what, cmd string }{
		{"create restore directory", s.cmd("mkdir -p %s", targetPath)},
		{"extract archive", s.cmd("tar -xzf %s -C %s", r.ArtifactPath, targetPath)},
		{"set ownership", s.cmd("chown -R %s %s", s.owner, targetPath)},
		{"set permissions", s.cmd("chmod -R 755 %s", targetPath)},
	}
	for _, step := range steps {
		if _, err := s.remote.RunChecked(ctx, step.cmd); err != nil {
			return fmt.Errorf("%s: %w", step.what, err)
		}
	}

	s.logger.Info("backup restored", "id", r.ID, "target", targetPath)
	return nil
}

// CleanupOldBackups deletes every record created more than retentionDays
// ago. A failed delete is logged and the sweep continues; the result is the
// number of records actually deleted.
func (s *Store) CleanupOldBackups(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days must not be negative, got %d", retentionDays)
	}
	cutoff := s.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	records, err := s.ListBackups(ctx, "")
	if err != nil {
		return 0, err
	}

	s.logger.Info("cleaning up old backups", "retention_days", retentionDays, "cutoff", cutoff)
	deleted := 0
	for _, r := range records {
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.DeleteBackup(ctx, r.ID); err != nil {
			s.logger.Warn("failed to delete old backup", "id", r.ID, "error", err)
			continue
		}
		deleted++
	}

	s.logger.Info("cleanup finished", "deleted", deleted)
	return deleted, nil
}

// KeepLatest deletes all but the newest keep records of a deployment. Like
// CleanupOldBackups it is best-effort and returns the number deleted.
func (s *Store) KeepLatest(ctx context.Context, deployment string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("must keep at least one backup, got %d", keep)
	}
	records, err := s.ListBackups(ctx, deployment)
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, r := range records[keep:] {
		if err := s.DeleteBackup(ctx, r.ID); err != nil {
			s.logger.Warn("failed to delete surplus backup", "id", r.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Orphans lists archives under the root that no record points to, such as
// those left by a create whose metadata write failed.
func (s *Store) Orphans(ctx context.Context) ([]string, error) {
	if !s.remote.DirectoryExists(ctx, s.root) {
		return nil, nil
	}

	out, err := s.remote.RunChecked(ctx, s.cmd("find %s -mindepth 2 -maxdepth 2 -name %s -type f", s.root, "*"+archiveExt))
	if err != nil {
		return nil, fmt.Errorf("enumerate archives: %w", err)
	}

	records, err := s.ListBackups(ctx, "")
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[path.Clean(r.ArtifactPath)] = true
	}

	var orphans []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		archive := strings.TrimSpace(line)
		if archive == "" || known[path.Clean(archive)] {
			continue
		}
		orphans = append(orphans, archive)
	}
	return orphans, nil
}
