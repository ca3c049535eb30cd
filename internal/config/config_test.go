// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validClientYAML = `
client:
  name: "fd-01"
  addresses:
    - "0.0.0.0:9102"
  working_dir: /var/lib/nbackup-filed
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/fd.pem
  key: /tmp/fd-key.pem
pki:
  recipient_keyring: /etc/nbackup-filed/recipients.asc
  verify_keyring: /etc/nbackup-filed/trusted-signers.asc
storage_daemon:
  address: "sd.internal:9103"
  tls:
    ca_cert: /tmp/ca.pem
    cert: /tmp/fd.pem
    key: /tmp/fd-key.pem
`

func TestLoadClientConfig_Defaults(t *testing.T) {
	cfgPath := writeTempConfig(t, validClientYAML)
	cfg, err := LoadClientConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.Name != "fd-01" {
		t.Errorf("client.name = %q", cfg.Client.Name)
	}
	if cfg.Session.MaxConcurrentJobs != 4 {
		t.Errorf("default max_concurrent_jobs = %d, want 4", cfg.Session.MaxConcurrentJobs)
	}
	if cfg.Session.HeartbeatInterval != defaultHeartbeatInterval {
		t.Errorf("default heartbeat_interval = %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.NetworkBufferBytes != 64*1024 {
		t.Errorf("default network_buffer_bytes = %d, want 64kb", cfg.Session.NetworkBufferBytes)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadClientConfig_MissingName(t *testing.T) {
	content := `
client:
  name: ""
  addresses:
    - "0.0.0.0:9102"
  working_dir: /var/lib/nbackup-filed
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/fd.pem
  key: /tmp/fd-key.pem
pki:
  recipient_keyring: /tmp/r.asc
  verify_keyring: /tmp/v.asc
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for empty client.name")
	}
}

func TestLoadClientConfig_MissingAddresses(t *testing.T) {
	content := `
client:
  name: "fd-01"
  working_dir: /var/lib/nbackup-filed
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/fd.pem
  key: /tmp/fd-key.pem
pki:
  recipient_keyring: /tmp/r.asc
  verify_keyring: /tmp/v.asc
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing client.addresses")
	}
}

func TestLoadClientConfig_MissingPKIKeyring(t *testing.T) {
	content := `
client:
  name: "fd-01"
  addresses:
    - "0.0.0.0:9102"
  working_dir: /var/lib/nbackup-filed
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/fd.pem
  key: /tmp/fd-key.pem
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing pki.recipient_keyring")
	}
}

func TestLoadClientConfig_MissingStorageDaemonAddress(t *testing.T) {
	content := `
client:
  name: "fd-01"
  addresses:
    - "0.0.0.0:9102"
  working_dir: /var/lib/nbackup-filed
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/fd.pem
  key: /tmp/fd-key.pem
pki:
  recipient_keyring: /tmp/r.asc
  verify_keyring: /tmp/v.asc
storage_daemon:
  tls:
    ca_cert: /tmp/ca.pem
    cert: /tmp/fd.pem
    key: /tmp/fd-key.pem
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing storage_daemon.address")
	}
}

func TestLoadClientConfig_NetworkBufferTooSmall(t *testing.T) {
	content := validClientYAML + `
session:
  network_buffer_size: "1kb"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for network_buffer_size below 4kb minimum")
	}
}

func TestLoadClientConfig_FileNotFound(t *testing.T) {
	if _, err := LoadClientConfig("/nonexistent/path/client.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadClientConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	if _, err := LoadClientConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

const validDirectorYAML = `
directors:
  director-01:
    password: "s3cret"
    allowed_script_dirs:
      - /etc/nbackup-filed/scripts
  monitor-01:
    password: "monitor-pw"
    monitor: true
    require_tls: false
`

func TestLoadDirectorSet_Defaults(t *testing.T) {
	cfgPath := writeTempConfig(t, validDirectorYAML)
	set, err := LoadDirectorSet(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, ok := set.Lookup("director-01")
	if !ok {
		t.Fatal("expected director-01 to exist")
	}
	if !d.TLSRequired() {
		t.Error("expected director-01 to require TLS by default")
	}
	if d.Monitor {
		t.Error("director-01 should not be a monitor")
	}
	if !d.Allows("backup") {
		t.Error("director-01 with empty allowlist should allow any command")
	}

	m, ok := set.Lookup("monitor-01")
	if !ok {
		t.Fatal("expected monitor-01 to exist")
	}
	if m.TLSRequired() {
		t.Error("monitor-01 explicitly disabled TLS requirement")
	}
	if !m.Monitor {
		t.Error("expected monitor-01.monitor true")
	}
}

func TestLoadDirectorSet_MissingPassword(t *testing.T) {
	content := `
directors:
  director-01:
    password: ""
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadDirectorSet(cfgPath); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestLoadDirectorSet_Empty(t *testing.T) {
	cfgPath := writeTempConfig(t, "directors: {}\n")
	if _, err := LoadDirectorSet(cfgPath); err == nil {
		t.Fatal("expected error for empty directors map")
	}
}

func TestDirectorResource_AllowsStrictAllowlist(t *testing.T) {
	d := DirectorResource{AllowedJobCommands: []string{"backup", "restore"}}
	if !d.Allows("backup") {
		t.Error("expected backup to be allowed")
	}
	if d.Allows("verify") {
		t.Error("expected verify to be rejected by strict allowlist")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
