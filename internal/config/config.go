package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/melih-ucgun/rumi/internal/crypto"
	"github.com/melih-ucgun/rumi/internal/transport"
	"github.com/pterm/pterm"
)

const (
	FileName       = "rumi.yaml"
	MasterKeyEnv   = "RUMI_MASTER_KEY"
	ConfigDirEnv   = "RUMI_CONFIG_DIR"
	fallbackConfig = ".rumi.yaml"
)

// Config represents the root structure of rumi.yaml.
type Config struct {
	Hosts       []Host       `yaml:"hosts"`
	DefaultHost string       `yaml:"default_host,omitempty"`
	Deployments []Deployment `yaml:"deployments"`
	Settings    Settings     `yaml:"settings"`
}

// Host is a named SSH connection profile.
type Host struct {
	Name           string `yaml:"name"`
	Address        string `yaml:"address"`
	User           string `yaml:"user"`
	Port           int    `yaml:"port,omitempty"`
	PublicKeyPath  string `yaml:"public_key_path,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"` // may be age encrypted
	Password       string `yaml:"password,omitempty"`   // may be age encrypted
	KnownHosts     string `yaml:"known_hosts,omitempty"`
}

type DeploymentType string

const (
	Website  DeploymentType = "website"
	Server   DeploymentType = "server"
	Ethereum DeploymentType = "ethereum"
)

// Deployment is one website, binary server or ethereum node living on a
// host.
type Deployment struct {
	Name        string         `yaml:"name"`
	Domain      string         `yaml:"domain"`
	Type        DeploymentType `yaml:"type"`
	Host        string         `yaml:"host,omitempty"` // empty means default_host
	DistPath    string         `yaml:"dist_path,omitempty"`
	BinaryPath  string         `yaml:"binary_path,omitempty"`
	Port        int            `yaml:"port,omitempty"`
	BackupCount int            `yaml:"backup_count,omitempty"`

	// Ethereum nodes only.
	NetworkID     int    `yaml:"network_id,omitempty"`
	WalletAddress string `yaml:"wallet_address,omitempty"`
	ExternalIP    string `yaml:"external_ip,omitempty"`
	HTTPAddress   string `yaml:"http_address,omitempty"` // default 127.0.0.1
	WSAddress     string `yaml:"ws_address,omitempty"`   // default 127.0.0.1
	Bootnode      string `yaml:"bootnode,omitempty"`
}

type Settings struct {
	LogLevel            string `yaml:"log_level"`
	LogFile             string `yaml:"log_file,omitempty"`
	BackupRoot          string `yaml:"backup_root"`
	BackupRetentionDays int    `yaml:"backup_retention_days"`
	RetentionSchedule   string `yaml:"retention_schedule,omitempty"`
	SSLEmail            string `yaml:"ssl_email"`
	NginxConfigPath     string `yaml:"nginx_config_path"`
	NginxEnabledPath    string `yaml:"nginx_enabled_path"`
	WebFolder           string `yaml:"web_folder"`
	SSLCertPath         string `yaml:"ssl_cert_path"`
	ServiceOwner        string `yaml:"service_owner"`
	Privilege           string `yaml:"privilege"`
	DryRun              bool   `yaml:"dry_run"`
	StrictCatalog       bool   `yaml:"strict_catalog"`
	HistoryFile         string `yaml:"history_file,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		LogLevel:            "info",
		BackupRoot:          "/var/backups/rumi",
		BackupRetentionDays: 30,
		RetentionSchedule:   "0 3 * * *",
		SSLEmail:            "admin@example.com",
		NginxConfigPath:     "/etc/nginx/sites-available",
		NginxEnabledPath:    "/etc/nginx/sites-enabled",
		WebFolder:           "/var/www",
		SSLCertPath:         "/etc/letsencrypt/live",
		ServiceOwner:        "www-data:www-data",
		Privilege:           "sudo",
	}
}

func Default() *Config {
	return &Config{Settings: DefaultSettings()}
}

// DefaultPath resolves the config file location: $RUMI_CONFIG_DIR/rumi.yaml,
// then the user config directory, then ./.rumi.yaml.
func DefaultPath() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return filepath.Join(dir, FileName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "rumi", FileName)
	}
	return fallbackConfig
}

// Load reads the YAML file at path. A missing file is replaced by the
// default configuration, which is written to path. Environment references
// are expanded and encrypted secrets decrypted.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	// .env next to the config file wins over one in the working directory.
	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if loadErr := godotenv.Load(envPath); loadErr != nil {
			slog.Warn("failed to load .env file", "path", envPath, "error", loadErr)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := LoadRaw(absPath)
	if err != nil {
		return nil, err
	}
	expandConfig(cfg)
	decryptConfig(cfg)
	return cfg, nil
}

// LoadRaw reads the file as written, without env expansion or decryption.
// Use it when the configuration will be saved back.
func LoadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, creating default", "path", path)
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file read error (%s): %w", path, err)
	}

	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yaml parse error (%s): %w", path, err)
		}
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) fillDefaults() {
	d := DefaultSettings()
	s := &c.Settings
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.LogLevel, d.LogLevel)
	fill(&s.BackupRoot, d.BackupRoot)
	fill(&s.NginxConfigPath, d.NginxConfigPath)
	fill(&s.NginxEnabledPath, d.NginxEnabledPath)
	fill(&s.WebFolder, d.WebFolder)
	fill(&s.SSLCertPath, d.SSLCertPath)
	fill(&s.ServiceOwner, d.ServiceOwner)

	for i := range c.Deployments {
		if c.Deployments[i].Type == "" {
			c.Deployments[i].Type = Website
		}
	}
}

// expandConfig performs env var substitution on host and path values.
func expandConfig(cfg *Config) {
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		h.Address = os.ExpandEnv(h.Address)
		h.User = os.ExpandEnv(h.User)
		h.PublicKeyPath = os.ExpandEnv(h.PublicKeyPath)
		h.PrivateKeyPath = os.ExpandEnv(h.PrivateKeyPath)
		h.KnownHosts = os.ExpandEnv(h.KnownHosts)
		if !crypto.IsEncrypted(h.Password) {
			h.Password = os.ExpandEnv(h.Password)
		}
		if !crypto.IsEncrypted(h.Passphrase) {
			h.Passphrase = os.ExpandEnv(h.Passphrase)
		}
	}
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		d.DistPath = os.ExpandEnv(d.DistPath)
		d.BinaryPath = os.ExpandEnv(d.BinaryPath)
	}
}

// Security & Decryption

func decryptConfig(cfg *Config) {
	if !cfg.HasEncryptedContent() {
		return
	}

	key := MasterKey()
	if key == "" {
		slog.Warn("encrypted values found but no master key is available", "env", MasterKeyEnv)
		return
	}

	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		for _, field := range []*string{&h.Password, &h.Passphrase} {
			if !crypto.IsEncrypted(*field) {
				continue
			}
			plain, err := crypto.Decrypt(*field, key)
			if err != nil {
				slog.Warn("could not decrypt host secret", "host", h.Name, "error", err)
				continue
			}
			*field = plain
		}
	}
}

// EncryptSecrets seals every plaintext host password and passphrase with
// key. It returns the number of values encrypted.
func (c *Config) EncryptSecrets(key string) (int, error) {
	n := 0
	for i := range c.Hosts {
		h := &c.Hosts[i]
		for _, field := range []*string{&h.Password, &h.Passphrase} {
			if *field == "" || crypto.IsEncrypted(*field) {
				continue
			}
			sealed, err := crypto.Encrypt(*field, key)
			if err != nil {
				return n, fmt.Errorf("host %q: %w", h.Name, err)
			}
			*field = sealed
			n++
		}
	}
	return n, nil
}

func (c *Config) HasEncryptedContent() bool {
	for _, h := range c.Hosts {
		if crypto.IsEncrypted(h.Password) || crypto.IsEncrypted(h.Passphrase) {
			return true
		}
	}
	return false
}

// MasterKey returns the key used for secret values: $RUMI_MASTER_KEY, then
// ~/.rumi/master.key, then an interactive prompt when stdin is a terminal.
func MasterKey() string {
	if key := os.Getenv(MasterKeyEnv); key != "" {
		return key
	}

	home, err := os.UserHomeDir()
	if err == nil {
		keyPath := filepath.Join(home, ".rumi", "master.key")
		if content, err := os.ReadFile(keyPath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	if isInteractive() {
		pterm.Println()
		pterm.Warning.Println("Encrypted content detected but " + MasterKeyEnv + " not found.")
		key, err := pterm.DefaultInteractiveTextInput.
			WithMask("*").
			WithDefaultText("Enter master key for decryption").
			Show()
		if err == nil && key != "" {
			return key
		}
	}

	return ""
}

func isInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Lookups

func (c *Config) Deployment(name string) (Deployment, bool) {
	for _, d := range c.Deployments {
		if d.Name == name {
			return d, true
		}
	}
	return Deployment{}, false
}

// AddDeployment inserts d, replacing any deployment with the same name.
func (c *Config) AddDeployment(d Deployment) {
	c.RemoveDeployment(d.Name)
	c.Deployments = append(c.Deployments, d)
}

func (c *Config) RemoveDeployment(name string) bool {
	kept := c.Deployments[:0]
	for _, d := range c.Deployments {
		if d.Name != name {
			kept = append(kept, d)
		}
	}
	removed := len(kept) != len(c.Deployments)
	c.Deployments = kept
	return removed
}

func (c *Config) Host(name string) (Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// AddHost inserts h, replacing any host with the same name. The first host
// added becomes the default.
func (c *Config) AddHost(h Host) {
	for i := range c.Hosts {
		if c.Hosts[i].Name == h.Name {
			c.Hosts[i] = h
			return
		}
	}
	c.Hosts = append(c.Hosts, h)
	if c.DefaultHost == "" {
		c.DefaultHost = h.Name
	}
}

// ResolveHost returns the host profile named name, falling back to the
// default host, then to the only host when exactly one is configured.
func (c *Config) ResolveHost(name string) (Host, error) {
	if name == "" {
		name = c.DefaultHost
	}
	if name != "" {
		h, ok := c.Host(name)
		if !ok {
			return Host{}, fmt.Errorf("host %q is not configured", name)
		}
		return h, nil
	}
	if len(c.Hosts) == 1 {
		return c.Hosts[0], nil
	}
	if len(c.Hosts) == 0 {
		return Host{}, errors.New("no SSH host configured; run 'rumi config add-host'")
	}
	return Host{}, errors.New("several hosts configured and no default_host set")
}

// HostFor returns the host serving the named deployment.
func (c *Config) HostFor(deployment string) (Host, error) {
	d, ok := c.Deployment(deployment)
	if !ok {
		return Host{}, fmt.Errorf("deployment %q not found", deployment)
	}
	return c.ResolveHost(d.Host)
}

// Credentials converts the profile for the transport layer, expanding a
// leading "~/" in key paths.
func (h Host) Credentials() transport.Credentials {
	return transport.Credentials{
		Host:           h.Address,
		Port:           h.Port,
		User:           h.User,
		PublicKeyPath:  expandHome(h.PublicKeyPath),
		PrivateKeyPath: expandHome(h.PrivateKeyPath),
		Passphrase:     h.Passphrase,
		Password:       h.Password,
	}
}

// KnownHostsPath returns the expanded known_hosts path, or "" when host key
// verification is not configured.
func (h Host) KnownHostsPath() string {
	return expandHome(h.KnownHosts)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// SiteDir is where a website deployment's files are served from.
func (s Settings) SiteDir(domain string) string {
	return s.WebFolder + "/" + domain
}

// RestoreDir is where a rollback extracts a website backup.
func (s Settings) RestoreDir(domain string) string {
	return s.WebFolder + "/" + strings.ReplaceAll(domain, ".", "_") + "_restored"
}
