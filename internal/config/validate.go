package config

import (
	"errors"
	"fmt"

	"github.com/melih-ucgun/rumi/internal/logger"
	"github.com/melih-ucgun/rumi/internal/schedule"
	"github.com/melih-ucgun/rumi/internal/utils"
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	hosts := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: name is required", i))
		} else if hosts[h.Name] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate host name %q", i, h.Name))
		}
		hosts[h.Name] = true
		if h.Address == "" {
			errs = append(errs, fmt.Errorf("host %q: address is required", h.Name))
		}
		if h.User == "" {
			errs = append(errs, fmt.Errorf("host %q: user is required", h.Name))
		}
		if h.Port != 0 && !utils.IsValidPort(h.Port) {
			errs = append(errs, fmt.Errorf("host %q: invalid port %d", h.Name, h.Port))
		}
		if (h.PublicKeyPath == "") != (h.PrivateKeyPath == "") {
			errs = append(errs, fmt.Errorf("host %q: public_key_path and private_key_path must be set together", h.Name))
		}
	}
	if c.DefaultHost != "" && !hosts[c.DefaultHost] {
		errs = append(errs, fmt.Errorf("default_host %q is not a configured host", c.DefaultHost))
	}

	names := make(map[string]bool, len(c.Deployments))
	for i, d := range c.Deployments {
		errs = append(errs, d.validate(i)...)
		if d.Name != "" {
			if names[d.Name] {
				errs = append(errs, fmt.Errorf("deployments[%d]: duplicate deployment name %q", i, d.Name))
			}
			names[d.Name] = true
		}
		if d.Host != "" && !hosts[d.Host] {
			errs = append(errs, fmt.Errorf("deployment %q: host %q is not configured", d.Name, d.Host))
		}
	}

	errs = append(errs, c.Settings.validate()...)
	return errors.Join(errs...)
}

func (d Deployment) validate(i int) []error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, fmt.Errorf("deployments[%d]: name is required", i))
	} else if !utils.IsValidName(d.Name) {
		errs = append(errs, fmt.Errorf("deployment %q: name may only contain letters, digits, '.', '_' and '-'", d.Name))
	}
	if d.Domain == "" {
		errs = append(errs, fmt.Errorf("deployment %q: domain is required", d.Name))
	} else if !utils.IsValidDomain(d.Domain) {
		errs = append(errs, fmt.Errorf("deployment %q: invalid domain %q", d.Name, d.Domain))
	}
	if d.BackupCount < 0 {
		errs = append(errs, fmt.Errorf("deployment %q: backup_count must not be negative", d.Name))
	}

	switch d.Type {
	case Website:
		if d.DistPath == "" {
			errs = append(errs, fmt.Errorf("deployment %q: websites need a dist_path", d.Name))
		}
	case Server:
		if !utils.IsValidPort(d.Port) {
			errs = append(errs, fmt.Errorf("deployment %q: servers need a port between 1 and 65535", d.Name))
		}
		if !utils.IsAbsolutePath(d.BinaryPath) {
			errs = append(errs, fmt.Errorf("deployment %q: binary_path must be an absolute path", d.Name))
		}
	case Ethereum:
		if d.NetworkID <= 0 {
			errs = append(errs, fmt.Errorf("deployment %q: ethereum nodes need a positive network_id", d.Name))
		}
		if !utils.IsValidAddress(d.WalletAddress) {
			errs = append(errs, fmt.Errorf("deployment %q: invalid wallet_address %q", d.Name, d.WalletAddress))
		}
		for _, ip := range []struct{ key, v string }{{"external_ip", d.ExternalIP}, {"http_address", d.HTTPAddress}, {"ws_address", d.WSAddress}} {
			if ip.v != "" && !utils.IsValidIP(ip.v) {
				errs = append(errs, fmt.Errorf("deployment %q: %s must be an IP address", d.Name, ip.key))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("deployment %q: unknown type %q", d.Name, d.Type))
	}
	return errs
}

func (s Settings) validate() []error {
	var errs []error
	if _, err := logger.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("settings.log_level: %w", err))
	}
	if s.BackupRetentionDays < 0 {
		errs = append(errs, errors.New("settings.backup_retention_days must not be negative"))
	}
	if !utils.IsAbsolutePath(s.BackupRoot) {
		errs = append(errs, fmt.Errorf("settings.backup_root must be an absolute path, got %q", s.BackupRoot))
	}
	if s.RetentionSchedule != "" {
		if err := schedule.Validate(s.RetentionSchedule); err != nil {
			errs = append(errs, fmt.Errorf("settings.retention_schedule: %w", err))
		}
	}
	for _, p := range []struct{ key, val string }{
		{"web_folder", s.WebFolder},
		{"nginx_config_path", s.NginxConfigPath},
		{"nginx_enabled_path", s.NginxEnabledPath},
		{"ssl_cert_path", s.SSLCertPath},
	} {
		if !utils.IsAbsolutePath(p.val) {
			errs = append(errs, fmt.Errorf("settings.%s must be an absolute path, got %q", p.key, p.val))
		}
	}
	return errs
}
