// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DirectorSet is the allowlist of Directors permitted to open a session
// against this File Daemon, keyed by name. Generalized from the teacher's
// single ServerConfig (one server, many storages) into the File Daemon's
// actual relationship: one File Daemon, many Directors, each with its own
// password, TLS posture and per-connection limits (spec.md §6).
type DirectorSet struct {
	Directors map[string]DirectorResource `yaml:"directors"`
}

// DirectorResource is one Director's connection contract.
type DirectorResource struct {
	Password           string   `yaml:"password"`
	RequireTLS         *bool    `yaml:"require_tls"` // nil -> default true; explicit false only for console-less test rigs
	Monitor            bool     `yaml:"monitor"`      // status-only Director, no job commands accepted
	AllowedScriptDirs  []string `yaml:"allowed_script_dirs"`
	AllowedJobCommands []string `yaml:"allowed_job_commands"` // empty = all job commands allowed
	BandwidthLimitKBps int      `yaml:"bandwidth_limit_kbps"` // 0 = unlimited, feeds golang.org/x/time/rate
}

// TLSRequired reports whether this Director must connect over TLS.
func (d DirectorResource) TLSRequired() bool {
	return d.RequireTLS == nil || *d.RequireTLS
}

// Allows reports whether cmd is permitted for this Director. An empty
// AllowedJobCommands list is "allow everything" (the common, unrestricted
// case); a non-empty list is a strict allowlist.
func (d DirectorResource) Allows(cmd string) bool {
	if len(d.AllowedJobCommands) == 0 {
		return true
	}
	for _, allowed := range d.AllowedJobCommands {
		if allowed == cmd {
			return true
		}
	}
	return false
}

// LoadDirectorSet reads and validates the Director allowlist YAML.
func LoadDirectorSet(path string) (*DirectorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading director config: %w", err)
	}

	var set DirectorSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing director config: %w", err)
	}

	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("validating director config: %w", err)
	}

	return &set, nil
}

func (s *DirectorSet) validate() error {
	if len(s.Directors) == 0 {
		return fmt.Errorf("directors must have at least one entry")
	}
	for name, d := range s.Directors {
		if d.Password == "" {
			return fmt.Errorf("directors.%s.password is required", name)
		}
		for _, dir := range d.AllowedScriptDirs {
			if dir == "" {
				return fmt.Errorf("directors.%s.allowed_script_dirs contains an empty entry", name)
			}
		}
		if d.BandwidthLimitKBps < 0 {
			return fmt.Errorf("directors.%s.bandwidth_limit_kbps must be >= 0, got %d", name, d.BandwidthLimitKBps)
		}
		s.Directors[name] = d
	}
	return nil
}

// Lookup returns the named Director resource, or false if unknown.
func (s *DirectorSet) Lookup(name string) (DirectorResource, bool) {
	d, ok := s.Directors[name]
	return d, ok
}
