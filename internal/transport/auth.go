package transport

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is used when Credentials.Port is zero.
const DefaultPort = 22

// Credentials identify a remote host and the secrets used to log in.
// Values are copied on use and never modified by this package.
type Credentials struct {
	Host           string
	Port           int
	User           string
	PublicKeyPath  string
	PrivateKeyPath string
	// Passphrase unlocks PrivateKeyPath. When empty, Password is tried as
	// the passphrase.
	Passphrase string
	Password   string
}

func (c Credentials) passphrase() string {
	if c.Passphrase != "" {
		return c.Passphrase
	}
	return c.Password
}

// keyPairPresent reports whether both key paths are set and exist locally.
func (c Credentials) keyPairPresent() bool {
	if c.PublicKeyPath == "" || c.PrivateKeyPath == "" {
		return false
	}
	for _, p := range []string{c.PublicKeyPath, c.PrivateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

type Option func(*options)

type options struct {
	timeout     time.Duration
	logger      *slog.Logger
	agentSocket string
	knownHosts  string
	hostKey     ssh.HostKeyCallback
}

func newOptions(opts []Option) *options {
	o := &options{
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
		agentSocket: os.Getenv("SSH_AUTH_SOCK"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTimeout overrides the connect phase timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAgentSocket overrides SSH_AUTH_SOCK for agent authentication.
func WithAgentSocket(path string) Option {
	return func(o *options) { o.agentSocket = path }
}

// WithKnownHosts verifies host keys against an OpenSSH known_hosts file.
func WithKnownHosts(path string) Option {
	return func(o *options) { o.knownHosts = path }
}

func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKey = cb }
}

func (o *options) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if o.hostKey != nil {
		return o.hostKey, nil
	}
	if o.knownHosts != "" {
		cb, err := knownhosts.New(o.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	}
	// Host verification is opt-in through WithKnownHosts.
	return ssh.InsecureIgnoreHostKey(), nil
}

type authStrategy struct {
	name string
	// build prepares the auth method. started is set once the server asks
	// the method for its credentials. The returned cleanup is always safe
	// to call.
	build func(started *atomic.Bool) (ssh.AuthMethod, func(), error)
}

// authStrategies returns the ordered strategies for creds:
//
//  1. publickey, when both key files are given and exist
//  2. password, when a password is given
//  3. agent, when no password is given
//
// Each strategy gets its own connection attempt.
func authStrategies(creds Credentials, o *options) []authStrategy {
	var strategies []authStrategy

	if creds.keyPairPresent() {
		strategies = append(strategies, authStrategy{
			name: "publickey",
			build: func(started *atomic.Bool) (ssh.AuthMethod, func(), error) {
				signer, err := loadSigner(creds.PublicKeyPath, creds.PrivateKeyPath, creds.passphrase())
				if err != nil {
					return nil, noop, err
				}
				return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
					started.Store(true)
					return []ssh.Signer{signer}, nil
				}), noop, nil
			},
		})
	} else if creds.PublicKeyPath != "" || creds.PrivateKeyPath != "" {
		o.logger.Warn("key files not found, skipping public key authentication",
			"public_key", creds.PublicKeyPath, "private_key", creds.PrivateKeyPath)
	}

	if creds.Password != "" {
		password := creds.Password
		strategies = append(strategies, authStrategy{
			name: "password",
			build: func(started *atomic.Bool) (ssh.AuthMethod, func(), error) {
				return ssh.PasswordCallback(func() (string, error) {
					started.Store(true)
					return password, nil
				}), noop, nil
			},
		})
	} else {
		socket := o.agentSocket
		strategies = append(strategies, authStrategy{
			name: "agent",
			build: func(started *atomic.Bool) (ssh.AuthMethod, func(), error) {
				if socket == "" {
					return nil, noop, errors.New("SSH_AUTH_SOCK is not set")
				}
				conn, err := net.Dial("unix", socket)
				if err != nil {
					return nil, noop, fmt.Errorf("dial agent: %w", err)
				}
				client := agent.NewClient(conn)
				return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
					started.Store(true)
					return client.Signers()
				}), func() { conn.Close() }, nil
			},
		})
	}

	return strategies
}

func noop() {}

// loadSigner parses the private key, decrypting it with passphrase when the
// key is protected, and checks it against the public key file.
func loadSigner(publicKeyPath, privateKeyPath, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, errors.New("private key is encrypted and no passphrase was given")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, errors.New("public key does not match private key")
	}

	return signer, nil
}
