// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the File Daemon's own resource: identity, listen
// addresses, working/plugin directories, PKI material and the session
// limits spec.md §6 names. Generalized from the teacher's AgentConfig,
// which described one backup agent's view of a single remote server; here
// the File Daemon is itself the long-lived endpoint, so "server address"
// becomes "listen address" and the per-backup-entry list becomes the
// Director allowlist loaded separately (internal/config/director.go).
type ClientConfig struct {
	Client        ClientInfo        `yaml:"client"`
	TLS           TLSInfo           `yaml:"tls"`
	PKI           PKIKeys           `yaml:"pki"`
	Session       SessionLimits     `yaml:"session"`
	Logging       LoggingInfo       `yaml:"logging"`
	StorageDaemon StorageDaemonInfo `yaml:"storage_daemon"`
}

// StorageDaemonInfo names the Storage Daemon this File Daemon dials once a
// Director issues "storage". Separate from TLS (the Director-facing mTLS
// material) because the SD leg of the session is its own TLS peer.
type StorageDaemonInfo struct {
	Address string  `yaml:"address"`
	TLS     TLSInfo `yaml:"tls"`
}

// ClientInfo identifies the File Daemon and where it listens.
type ClientInfo struct {
	Name       string   `yaml:"name"`
	Addresses  []string `yaml:"addresses"` // e.g. "0.0.0.0:9102"
	WorkingDir string   `yaml:"working_dir"`
	PluginDir  string   `yaml:"plugin_dir"`
}

// PKIKeys names the job-payload OpenPGP keyrings, distinct from the mTLS
// transport certificates in TLSInfo: these seal/verify per-job session
// keys and signed digests (internal/transform, internal/pki/keys.go), not
// the Director/Storage-Daemon transport itself.
type PKIKeys struct {
	RecipientKeyring string `yaml:"recipient_keyring"`  // public keys backup data is sealed to
	SigningKey       string `yaml:"signing_key"`        // PEM, PKCS#8, possibly encrypted
	SigningKeyPass   string `yaml:"signing_key_pass"`   // empty if SigningKey is unencrypted
	VerifyKeyring    string `yaml:"verify_keyring"`     // public keys that verify inbound signatures
}

// SessionLimits bounds concurrent work and per-session I/O behavior.
type SessionLimits struct {
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	NetworkBufferSize  string        `yaml:"network_buffer_size"`
	NetworkBufferBytes int64         `yaml:"-"` // parsed by validate()
}

// LoadClientConfig reads and validates the File Daemon's own YAML config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Client.Name == "" {
		return fmt.Errorf("client.name is required")
	}
	if len(c.Client.Addresses) == 0 {
		return fmt.Errorf("client.addresses must have at least one entry")
	}
	if c.Client.WorkingDir == "" {
		return fmt.Errorf("client.working_dir is required")
	}
	if err := c.TLS.validate("tls"); err != nil {
		return err
	}
	if c.PKI.RecipientKeyring == "" {
		return fmt.Errorf("pki.recipient_keyring is required")
	}
	if c.PKI.VerifyKeyring == "" {
		return fmt.Errorf("pki.verify_keyring is required")
	}
	if c.StorageDaemon.Address == "" {
		return fmt.Errorf("storage_daemon.address is required")
	}
	if err := c.StorageDaemon.TLS.validate("storage_daemon.tls"); err != nil {
		return err
	}

	if c.Session.MaxConcurrentJobs <= 0 {
		c.Session.MaxConcurrentJobs = 4
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Session.NetworkBufferSize == "" {
		c.Session.NetworkBufferSize = defaultNetworkBufferSize
	}
	parsed, err := ParseByteSize(c.Session.NetworkBufferSize)
	if err != nil {
		return fmt.Errorf("session.network_buffer_size: %w", err)
	}
	if parsed < 4096 {
		return fmt.Errorf("session.network_buffer_size must be at least 4kb, got %s", c.Session.NetworkBufferSize)
	}
	c.Session.NetworkBufferBytes = parsed

	c.Logging.applyDefaults()

	return nil
}
