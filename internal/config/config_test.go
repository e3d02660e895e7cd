package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.AddHost(Host{Name: "prod", Address: "203.0.113.10", User: "deploy"})
	cfg.AddDeployment(Deployment{Name: "blog", Domain: "blog.example.com", Type: Website, DistPath: "./dist"})
	cfg.AddDeployment(Deployment{Name: "api", Domain: "api.example.com", Type: Server, Port: 8080, BinaryPath: "/usr/local/bin/api"})
	return cfg
}

func TestLoad_MissingFileCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), cfg.Settings)
	assert.Empty(t, cfg.Deployments)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := validConfig()
	cfg.Settings.BackupRetentionDays = 7

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.Hosts, loaded.Hosts)
	assert.Equal(t, cfg.Deployments, loaded.Deployments)
	assert.Equal(t, "prod", loaded.DefaultHost)
	assert.Equal(t, 7, loaded.Settings.BackupRetentionDays)
}

func TestLoad_FillsDefaultsAndType(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	yaml := `
deployments:
  - name: blog
    domain: blog.example.com
    dist_path: ./dist
settings:
  ssl_email: ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Website, cfg.Deployments[0].Type)
	assert.Equal(t, "/var/www", cfg.Settings.WebFolder)
	assert.Equal(t, "ops@example.com", cfg.Settings.SSLEmail)
}

func TestLoad_ExpandsEnvFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	t.Setenv("RUMI_TEST_HOST", "")
	os.Unsetenv("RUMI_TEST_HOST")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RUMI_TEST_HOST=198.51.100.4\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - name: edge
    address: ${RUMI_TEST_HOST}
    user: root
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", cfg.Hosts[0].Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("hosts: [unterminated"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "yaml parse error")
}

func TestEncryptedSecrets(t *testing.T) {
	t.Setenv(MasterKeyEnv, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), FileName)

	cfg := validConfig()
	cfg.Hosts[0].Password = "s3cret"
	n, err := cfg.EncryptSecrets(os.Getenv(MasterKeyEnv))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, cfg.HasEncryptedContent())
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", loaded.Hosts[0].Password)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing domain", func(c *Config) { c.Deployments[0].Domain = "" }, "domain is required"},
		{"website without dist", func(c *Config) { c.Deployments[0].DistPath = "" }, "dist_path"},
		{"server without port", func(c *Config) { c.Deployments[1].Port = 0 }, "port between 1 and 65535"},
		{"relative binary", func(c *Config) { c.Deployments[1].BinaryPath = "bin/api" }, "binary_path must be an absolute path"},
		{"unknown host", func(c *Config) { c.Deployments[0].Host = "staging" }, `host "staging" is not configured`},
		{"bad default host", func(c *Config) { c.DefaultHost = "nowhere" }, "default_host"},
		{"duplicate deployment", func(c *Config) { c.Deployments = append(c.Deployments, c.Deployments[0]) }, "duplicate deployment name"},
		{"slash in name", func(c *Config) { c.Deployments[0].Name = "a/b" }, "name may only contain"},
		{"host without user", func(c *Config) { c.Hosts[0].User = "" }, "user is required"},
		{"relative backup root", func(c *Config) { c.Settings.BackupRoot = "backups" }, "backup_root"},
		{"bad schedule", func(c *Config) { c.Settings.RetentionSchedule = "nightly" }, "retention_schedule"},
		{"bad log level", func(c *Config) { c.Settings.LogLevel = "chatty" }, "log_level"},
		{"unknown type", func(c *Config) { c.Deployments[0].Type = "lambda" }, "unknown type"},
		{"node without network", func(c *Config) { c.Deployments[2].NetworkID = 0 }, "positive network_id"},
		{"node wallet", func(c *Config) { c.Deployments[2].WalletAddress = "8eB0f73A" }, "invalid wallet_address"},
		{"node external ip", func(c *Config) { c.Deployments[2].ExternalIP = "node.example.com" }, "external_ip must be an IP address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := withNode(validConfig())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func withNode(c *Config) *Config {
	c.AddDeployment(Deployment{
		Name:          "chain",
		Domain:        "node.example.com",
		Type:          Ethereum,
		NetworkID:     1515,
		WalletAddress: "0x8eB0f73A356d2083aaEceE9794719f14b0898671",
		ExternalIP:    "203.0.113.7",
	})
	return c
}

func TestValidate_EthereumNode(t *testing.T) {
	assert.NoError(t, withNode(validConfig()).Validate())
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Deployments[0].Domain = ""
	cfg.Deployments[1].Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain is required")
	assert.Contains(t, err.Error(), "port between 1 and 65535")
}

func TestResolveHost(t *testing.T) {
	cfg := Default()
	_, err := cfg.ResolveHost("")
	assert.ErrorContains(t, err, "no SSH host configured")

	cfg.Hosts = []Host{{Name: "a"}, {Name: "b"}}
	_, err = cfg.ResolveHost("")
	assert.ErrorContains(t, err, "no default_host")

	h, err := cfg.ResolveHost("b")
	require.NoError(t, err)
	assert.Equal(t, "b", h.Name)

	_, err = cfg.ResolveHost("c")
	assert.Error(t, err)

	cfg.DefaultHost = "a"
	h, err = cfg.ResolveHost("")
	require.NoError(t, err)
	assert.Equal(t, "a", h.Name)
}

func TestHostFor(t *testing.T) {
	cfg := validConfig()
	cfg.AddHost(Host{Name: "edge", Address: "198.51.100.4", User: "root"})
	cfg.Deployments[1].Host = "edge"

	h, err := cfg.HostFor("api")
	require.NoError(t, err)
	assert.Equal(t, "edge", h.Name)

	h, err = cfg.HostFor("blog")
	require.NoError(t, err)
	assert.Equal(t, "prod", h.Name)

	_, err = cfg.HostFor("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestDeploymentsAddRemove(t *testing.T) {
	cfg := validConfig()
	cfg.AddDeployment(Deployment{Name: "blog", Domain: "new.example.com", Type: Website, DistPath: "out"})
	assert.Len(t, cfg.Deployments, 2)
	d, ok := cfg.Deployment("blog")
	require.True(t, ok)
	assert.Equal(t, "new.example.com", d.Domain)

	assert.True(t, cfg.RemoveDeployment("blog"))
	assert.False(t, cfg.RemoveDeployment("blog"))
	assert.Len(t, cfg.Deployments, 1)
}

func TestCredentialsExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	creds := Host{Address: "h", User: "u", Port: 2222, PrivateKeyPath: "~/.ssh/id_ed25519", PublicKeyPath: "/keys/id.pub"}.Credentials()
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), creds.PrivateKeyPath)
	assert.Equal(t, "/keys/id.pub", creds.PublicKeyPath)
	assert.Equal(t, 2222, creds.Port)
}

func TestSettingsDirs(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, "/var/www/example.com", s.SiteDir("example.com"))
	assert.Equal(t, "/var/www/example_com_restored", s.RestoreDir("example.com"))
}
