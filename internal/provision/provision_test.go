package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/transport"
)

const (
	siteName   = "blog"
	siteDomain = "blog.example.com"
	siteDir    = "/var/www/blog.example.com"
)

type fixture struct {
	p      *Provisioner
	remote *transport.MockTransport
	store  *backup.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := config.DefaultSettings()

	m := transport.NewMockTransport()
	for _, dir := range []string{settings.NginxConfigPath, settings.NginxEnabledPath, settings.WebFolder, DefaultBinDir, DefaultSystemdDir} {
		m.Mkdir(dir)
	}
	for _, cmd := range []string{"sudo nginx -t", "sudo systemctl reload nginx", "sudo systemctl daemon-reload"} {
		m.AddResponse(cmd, "")
	}

	clock := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	seq := 0
	store := backup.NewStore(m,
		backup.WithLogger(quiet),
		backup.WithClock(func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}),
		backup.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
		backup.WithConfigSources(settings.NginxConfigPath, settings.SSLCertPath),
	)

	p := New(m, store, settings, append([]Option{WithLogger(quiet)}, opts...)...)
	m.AddResponse(p.certbotCommand(siteDomain), "")
	m.AddResponse(p.certbotCommand("api.example.com"), "")
	return &fixture{p: p, remote: m, store: store}
}

func writeDist(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func (f *fixture) file(t *testing.T, p string) string {
	t.Helper()
	data, ok := f.remote.ReadFile(p)
	require.True(t, ok, "expected remote file %s", p)
	return string(data)
}

func (f *fixture) ran(cmd string) bool {
	for _, c := range f.remote.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func TestInstallWebsite_FreshHost(t *testing.T) {
	f := newFixture(t)
	dist := writeDist(t, map[string]string{"index.html": "<h1>v1</h1>", "assets/app.js": "console.log(1)"})

	res, err := f.p.InstallWebsite(context.Background(), siteName, siteDomain, dist)
	require.NoError(t, err)
	assert.Nil(t, res.Backup)
	assert.Equal(t, siteDir, res.Path)

	assert.Equal(t, "<h1>v1</h1>", f.file(t, siteDir+"/index.html"))
	assert.Equal(t, "console.log(1)", f.file(t, siteDir+"/assets/app.js"))
	assert.Empty(t, f.remote.Files(DefaultStagingDir+"/"+siteDomain))

	site := f.file(t, "/etc/nginx/sites-available/"+siteDomain)
	assert.Contains(t, site, "root  "+siteDir+";")
	assert.Contains(t, site, "ssl_certificate     /etc/letsencrypt/live/blog.example.com/fullchain.pem;")
	_, linked := f.remote.ReadFile("/etc/nginx/sites-enabled/" + siteDomain)
	assert.True(t, linked)

	assert.True(t, f.ran(f.p.certbotCommand(siteDomain)))
	assert.True(t, f.ran("sudo chown -R www-data:www-data "+siteDir))
	assert.True(t, f.ran("sudo systemctl reload nginx"))
	assert.Empty(t, f.remote.Files(backup.DefaultRoot))
}

func TestInstallWebsite_BacksUpExistingSite(t *testing.T) {
	f := newFixture(t)
	f.remote.WriteFile(siteDir+"/old.html", []byte("old"))
	f.remote.WriteFile("/etc/letsencrypt/live/blog.example.com/fullchain.pem", []byte("cert"))
	dist := writeDist(t, map[string]string{"index.html": "new"})

	res, err := f.p.InstallWebsite(context.Background(), siteName, siteDomain, dist)
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, backup.KindWebsite, res.Backup.Kind)

	_, stale := f.remote.ReadFile(siteDir + "/old.html")
	assert.False(t, stale, "previous files are replaced")
	assert.Equal(t, "new", f.file(t, siteDir+"/index.html"))
	assert.False(t, f.ran(f.p.certbotCommand(siteDomain)), "existing certificate is reused")

	records, err := f.store.ListBackups(context.Background(), siteName)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Backup.ID, records[0].ID)
}

func TestInstallWebsite_NginxCheckFails(t *testing.T) {
	f := newFixture(t)
	f.remote.AddOutcome(core.CommandOutcome{Command: "sudo nginx -t", ExitCode: 1, Stderr: "nginx: [emerg] unknown directive"})
	dist := writeDist(t, map[string]string{"index.html": "x"})

	_, err := f.p.InstallWebsite(context.Background(), siteName, siteDomain, dist)
	var execErr *core.CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "check nginx configuration")
	assert.False(t, f.ran("sudo systemctl reload nginx"))
}

func TestInstallWebsite_InvalidInput(t *testing.T) {
	f := newFixture(t)
	dist := writeDist(t, nil)

	_, err := f.p.InstallWebsite(context.Background(), "a/b", siteDomain, dist)
	assert.Error(t, err)
	_, err = f.p.InstallWebsite(context.Background(), siteName, "bad domain", dist)
	assert.Error(t, err)

	_, err = f.p.InstallWebsite(context.Background(), siteName, siteDomain, filepath.Join(dist, "missing"))
	var fileErr *core.FileOperationError
	assert.ErrorAs(t, err, &fileErr)
	assert.Empty(t, f.remote.Commands)
}

func TestUpdateWebsite_RequiresInstalledSite(t *testing.T) {
	f := newFixture(t)
	dist := writeDist(t, map[string]string{"index.html": "x"})

	_, err := f.p.UpdateWebsite(context.Background(), siteName, siteDomain, dist)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateThenRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.WriteFile(siteDir+"/index.html", []byte("v1"))

	res, err := f.p.UpdateWebsite(ctx, siteName, siteDomain, writeDist(t, map[string]string{"index.html": "v2"}))
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, "v2", f.file(t, siteDir+"/index.html"))

	rolled, err := f.p.RollbackWebsite(ctx, siteName, siteDomain, res.Backup.ID)
	require.NoError(t, err)
	restored := "/var/www/blog_example_com_restored"
	assert.Equal(t, restored, rolled.Path)
	assert.Equal(t, "v1", f.file(t, restored+"/index.html"))
	assert.Contains(t, f.file(t, "/etc/nginx/sites-available/"+siteDomain), "root  "+restored+";")

	// updating again points nginx back at the live directory
	_, err = f.p.UpdateWebsite(ctx, siteName, siteDomain, writeDist(t, map[string]string{"index.html": "v3"}))
	require.NoError(t, err)
	assert.Contains(t, f.file(t, "/etc/nginx/sites-available/"+siteDomain), "root  "+siteDir+";")
}

func TestRollbackWebsite_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.RollbackWebsite(ctx, siteName, siteDomain, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	rec, err := f.store.CreateConfigurationBackup(ctx, siteName, siteDomain)
	require.NoError(t, err)
	_, err = f.p.RollbackWebsite(ctx, siteName, siteDomain, rec.ID)
	assert.ErrorContains(t, err, "not a website backup")
}

func TestDryRun_NoMutation(t *testing.T) {
	f := newFixture(t, WithDryRun(true))
	f.remote.WriteFile(siteDir+"/index.html", []byte("live"))
	dist := writeDist(t, map[string]string{"index.html": "next"})

	res, err := f.p.InstallWebsite(context.Background(), siteName, siteDomain, dist)
	require.NoError(t, err)
	assert.Nil(t, res.Backup)

	assert.Equal(t, "live", f.file(t, siteDir+"/index.html"))
	assert.Empty(t, f.remote.Files(backup.DefaultRoot))
	for _, cmd := range f.remote.Commands {
		assert.True(t, strings.HasPrefix(cmd, "test "), "unexpected command %q", cmd)
	}

	planned := f.p.Planned()
	assert.Contains(t, planned, "back up "+siteDir)
	assert.Contains(t, planned, "sudo systemctl reload nginx")
	assert.Contains(t, planned, "write /etc/nginx/sites-available/"+siteDomain)
}

func TestDeployServer(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range []string{"sudo systemctl enable api", "sudo systemctl restart api"} {
		f.remote.AddResponse(cmd, "")
	}
	bin := filepath.Join(t.TempDir(), "api")
	require.NoError(t, os.WriteFile(bin, []byte("ELF"), 0o755))

	res, err := f.p.DeployServer(context.Background(), "api", "api.example.com", bin, 8080)
	require.NoError(t, err)
	assert.Nil(t, res.Backup)
	assert.Equal(t, "/usr/local/bin/api", res.Path)

	assert.Equal(t, "ELF", f.file(t, "/usr/local/bin/api"))
	unit := f.file(t, "/etc/systemd/system/api.service")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/api")
	assert.Contains(t, unit, "Environment=PORT=8080")
	assert.Contains(t, unit, "User=www-data")
	assert.Contains(t, unit, "Group=www-data")

	site := f.file(t, "/etc/nginx/sites-available/api.example.com")
	assert.Contains(t, site, "proxy_pass http://127.0.0.1:8080/;")
	assert.True(t, f.ran("sudo systemctl restart api"))
}

func TestDeployServer_BacksUpExistingProxy(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range []string{"sudo systemctl enable api", "sudo systemctl restart api"} {
		f.remote.AddResponse(cmd, "")
	}
	f.remote.WriteFile("/etc/nginx/sites-available/api.example.com", []byte("server {}"))
	bin := filepath.Join(t.TempDir(), "api")
	require.NoError(t, os.WriteFile(bin, []byte("ELF"), 0o755))

	res, err := f.p.DeployServer(context.Background(), "api", "api.example.com", bin, 9000)
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, backup.KindConfiguration, res.Backup.Kind)
}

func TestDeployServer_InvalidPort(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.DeployServer(context.Background(), "api", "api.example.com", "/bin/true", 0)
	assert.ErrorContains(t, err, "invalid port")
}

func TestServiceControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.AddResponse("sudo systemctl stop api", "")
	f.remote.AddOutcome(core.CommandOutcome{Command: "sudo systemctl status --no-pager api", ExitCode: 3, Stdout: "Active: inactive (dead)"})

	require.NoError(t, f.p.StopServer(ctx, "api"))

	out, err := f.p.ServerStatus(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, out.Stdout, "inactive")

	err = f.p.StartServer(ctx, "api")
	var execErr *core.CommandExecutionError
	require.ErrorAs(t, err, &execErr)

	assert.Error(t, f.p.RestartServer(ctx, "api; reboot"))
}

func TestWebsiteSiteTemplate(t *testing.T) {
	f := newFixture(t)
	site, err := f.p.WebsiteSite("example.com", "/var/www/example.com")
	require.NoError(t, err)
	assert.Contains(t, site, "server_name example.com www.example.com;")
	assert.Contains(t, site, "return 301  https://$server_name$request_uri;")
	assert.Contains(t, site, "ssl_certificate_key /etc/letsencrypt/live/example.com/privkey.pem;")
	assert.Contains(t, site, "try_files $uri $uri/ /index.html;")
}

const (
	nodeName   = "chain"
	nodeDomain = "node.example.com"
	nodeWallet = "0x8D2a3F6b1E4c7A9d0B5e2F8c3A6d9E1b4C7f0A2d"
)

func testNode() EthereumNode {
	return EthereumNode{
		Name:        nodeName,
		Domain:      nodeDomain,
		NetworkID:   1515,
		HTTPAddress: "127.0.0.1",
		WSAddress:   "127.0.0.1",
		ExternalIP:  "203.0.113.7",
		Wallet:      nodeWallet,
		Password:    "hunter2",
	}
}

// scriptNode answers the package, chain, service and firewall commands of a
// node install on a fresh host.
func (f *fixture) scriptNode() {
	for _, cmd := range []string{
		"sudo add-apt-repository -y ppa:ethereum/ethereum",
		"sudo apt-get update",
		"sudo apt-get install -y ethereum nginx certbot",
		"sudo /usr/bin/geth init --datadir /var/lib/rumi/chain/data /var/lib/rumi/chain/genesis.json",
		"sudo systemctl enable chain",
		"sudo systemctl restart chain",
		"sudo systemctl disable --now chain",
		"sudo ufw allow ssh",
		"sudo ufw allow 'Nginx Full'",
		"sudo ufw allow 30303",
		"sudo ufw --force enable",
		f.p.certbotCommand(nodeDomain),
	} {
		f.remote.AddResponse(cmd, "")
	}
}

func TestInstallEthereumNode_FreshHost(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	node := testNode()
	node.Firewall = true

	res, err := f.p.InstallEthereumNode(context.Background(), node)
	require.NoError(t, err)
	assert.Nil(t, res.Backup)
	assert.Equal(t, "/var/lib/rumi/chain/data", res.Path)

	assert.True(t, f.ran("sudo apt-get install -y ethereum nginx certbot"))
	assert.True(t, f.ran("sudo /usr/bin/geth init --datadir /var/lib/rumi/chain/data /var/lib/rumi/chain/genesis.json"))
	assert.True(t, f.ran("sudo chmod 600 /var/lib/rumi/chain/password.sec"))
	assert.True(t, f.ran(f.p.certbotCommand(nodeDomain)))
	assert.True(t, f.ran("sudo ufw --force enable"))
	assert.True(t, f.ran("sudo systemctl restart chain"))

	genesis := f.file(t, "/var/lib/rumi/chain/genesis.json")
	signer := "8d2a3f6b1e4c7a9d0b5e2f8c3a6d9e1b4c7f0a2d"
	assert.Contains(t, genesis, `"chainId": 1515,`)
	assert.Contains(t, genesis, `"extradata": "0x`+strings.Repeat("0", 64)+signer+strings.Repeat("0", 130)+`"`)
	assert.Contains(t, genesis, `"`+signer+`": { "balance": "300000000" }`)
	assert.Equal(t, "hunter2", f.file(t, "/var/lib/rumi/chain/password.sec"))

	unit := f.file(t, "/etc/systemd/system/chain.service")
	assert.Contains(t, unit, "ExecStart=/usr/bin/geth --networkid 1515 --datadir /var/lib/rumi/chain/data --port 30303 --nodiscover \\")
	assert.Contains(t, unit, "--http --http.addr 127.0.0.1 --http.port 8545")
	assert.Contains(t, unit, "--nat extip:203.0.113.7")
	assert.Contains(t, unit, "--unlock "+nodeWallet+" --password /var/lib/rumi/chain/password.sec")

	site := f.file(t, "/etc/nginx/sites-available/"+nodeDomain)
	assert.Contains(t, site, "proxy_pass http://127.0.0.1:8546/;")
	assert.Contains(t, site, "proxy_pass http://127.0.0.1:8545/;")
	assert.Contains(t, site, "ssl_certificate     /etc/letsencrypt/live/node.example.com/fullchain.pem;")
	assert.Empty(t, f.remote.Files(DefaultStagingDir))
}

func TestInstallEthereumNode_Reinstall(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	f.remote.AddResponse("command -v geth", "/usr/bin/geth\n")
	f.remote.Mkdir("/var/lib/rumi/chain/data/geth/chaindata")
	f.remote.WriteFile("/etc/nginx/sites-available/"+nodeDomain, []byte("server {}"))
	f.remote.WriteFile("/etc/letsencrypt/live/node.example.com/fullchain.pem", []byte("cert"))

	res, err := f.p.InstallEthereumNode(context.Background(), testNode())
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, backup.KindConfiguration, res.Backup.Kind)
	assert.Equal(t, nodeName, res.Backup.DeploymentName)

	assert.False(t, f.ran("sudo apt-get update"), "packages are installed already")
	assert.False(t, f.ran("sudo /usr/bin/geth init --datadir /var/lib/rumi/chain/data /var/lib/rumi/chain/genesis.json"))
	assert.False(t, f.ran(f.p.certbotCommand(nodeDomain)))
	assert.False(t, f.ran("sudo ufw --force enable"))
	assert.Contains(t, f.file(t, "/etc/nginx/sites-available/"+nodeDomain), "location ^~ /rpc")
}

func TestInstallEthereumNode_Bootnode(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	node := testNode()
	node.Bootnode = "enode://a1b2@198.51.100.4:30303"

	_, err := f.p.InstallEthereumNode(context.Background(), node)
	require.NoError(t, err)

	unit := f.file(t, "/etc/systemd/system/chain.service")
	assert.Contains(t, unit, "--port 30303 --bootnodes enode://a1b2@198.51.100.4:30303 \\")
	assert.NotContains(t, unit, "--nodiscover")
}

func TestInstallEthereumNode_Keystore(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	node := testNode()
	node.KeystoreFile = filepath.Join(t.TempDir(), "UTC--2024-03-15--key")
	require.NoError(t, os.WriteFile(node.KeystoreFile, []byte(`{"address":"8d2a"}`), 0o600))

	_, err := f.p.InstallEthereumNode(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, `{"address":"8d2a"}`, f.file(t, "/var/lib/rumi/chain/data/keystore/UTC--2024-03-15--key"))
}

func TestInstallEthereumNode_InvalidInput(t *testing.T) {
	tests := map[string]func(n *EthereumNode){
		"bad name":         func(n *EthereumNode) { n.Name = "../chain" },
		"zero network id":  func(n *EthereumNode) { n.NetworkID = 0 },
		"short wallet":     func(n *EthereumNode) { n.Wallet = "0x8D2a" },
		"host as address":  func(n *EthereumNode) { n.HTTPAddress = "localhost" },
		"no password":      func(n *EthereumNode) { n.Password = "" },
		"bootnode scheme":  func(n *EthereumNode) { n.Bootnode = "http://198.51.100.4" },
		"missing keystore": func(n *EthereumNode) { n.KeystoreFile = "/nonexistent/key" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			node := testNode()
			mutate(&node)
			_, err := f.p.InstallEthereumNode(context.Background(), node)
			assert.Error(t, err)
			assert.Empty(t, f.remote.Commands)
		})
	}
}

func TestInstallEthereumNode_DryRun(t *testing.T) {
	f := newFixture(t, WithDryRun(true))
	f.remote.WriteFile("/etc/nginx/sites-available/"+nodeDomain, []byte("server {}"))

	res, err := f.p.InstallEthereumNode(context.Background(), testNode())
	require.NoError(t, err)
	assert.Nil(t, res.Backup)

	assert.Equal(t, "server {}", f.file(t, "/etc/nginx/sites-available/"+nodeDomain))
	assert.Empty(t, f.remote.Files(backup.DefaultRoot))
	assert.Empty(t, f.remote.Files(DefaultNodeDir))
	for _, cmd := range f.remote.Commands {
		assert.True(t, strings.HasPrefix(cmd, "test ") || cmd == "command -v geth", "unexpected command %q", cmd)
	}

	planned := f.p.Planned()
	assert.Contains(t, planned, "back up configuration of "+nodeDomain)
	assert.Contains(t, planned, "sudo apt-get install -y ethereum nginx certbot")
	assert.Contains(t, planned, "write /etc/systemd/system/chain.service")
	assert.Contains(t, planned, "sudo systemctl restart chain")
}

func TestInstallEthereumNode_CommandFails(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	f.remote.FailCommand("sudo /usr/bin/geth init", io.ErrUnexpectedEOF)

	_, err := f.p.InstallEthereumNode(context.Background(), testNode())
	assert.ErrorContains(t, err, "initialise chain")
	_, installed := f.remote.ReadFile("/etc/systemd/system/chain.service")
	assert.False(t, installed)
}

func TestRemoveEthereumNode(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	ctx := context.Background()
	_, err := f.p.InstallEthereumNode(ctx, testNode())
	require.NoError(t, err)

	res, err := f.p.RemoveEthereumNode(ctx, nodeName, nodeDomain, false)
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, "/var/lib/rumi/chain", res.Path)

	assert.True(t, f.ran("sudo systemctl disable --now chain"))
	for _, p := range []string{
		"/etc/systemd/system/chain.service",
		"/etc/nginx/sites-available/" + nodeDomain,
		"/etc/nginx/sites-enabled/" + nodeDomain,
	} {
		_, ok := f.remote.ReadFile(p)
		assert.False(t, ok, "%s is removed", p)
	}
	assert.Equal(t, "hunter2", f.file(t, "/var/lib/rumi/chain/password.sec"))

	records, err := f.store.ListBackups(ctx, nodeName)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRemoveEthereumNode_Purge(t *testing.T) {
	f := newFixture(t)
	f.scriptNode()
	ctx := context.Background()
	_, err := f.p.InstallEthereumNode(ctx, testNode())
	require.NoError(t, err)

	res, err := f.p.RemoveEthereumNode(ctx, nodeName, nodeDomain, true)
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.Empty(t, f.remote.Files("/var/lib/rumi/chain"))
	assert.True(t, f.ran("sudo rm -rf /var/lib/rumi/chain"))
}

func TestRemoveEthereumNode_NothingInstalled(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.RemoveEthereumNode(context.Background(), nodeName, nodeDomain, false)
	require.NoError(t, err)
	assert.Nil(t, res.Backup)
	for _, cmd := range f.remote.Commands {
		assert.True(t, strings.HasPrefix(cmd, "test "), "unexpected command %q", cmd)
	}
}
