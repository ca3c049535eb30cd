// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config implements the YAML configuration loaders for the two
// resource kinds spec.md §6 names: the File Daemon's own client resource
// (internal/config/client.go) and the set of Director resources it accepts
// connections from (internal/config/director.go). Shape and validate()
// idiom grounded on the teacher's internal/config/{agent,server}.go.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LoggingInfo mirrors the teacher's logging block unchanged: level/format
// feed internal/logging.NewLogger regardless of which resource loaded them.
// SessionLogDir, if set, additionally fans each job's log records out to
// a dedicated per-job file via internal/logging.NewSessionLogger.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	SessionLogDir string `yaml:"session_log_dir"`
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// TLSInfo is the shared mTLS certificate triple, used by both resource
// kinds (the teacher keeps two near-identical copies, TLSClient/TLSServer;
// the File Daemon plays both roles at once so one shape covers it).
type TLSInfo struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

func (t TLSInfo) validate(section string) error {
	if t.CACert == "" {
		return fmt.Errorf("%s.ca_cert is required", section)
	}
	if t.Cert == "" {
		return fmt.Errorf("%s.cert is required", section)
	}
	if t.Key == "" {
		return fmt.Errorf("%s.key is required", section)
	}
	return nil
}

const defaultHeartbeatInterval = 30 * time.Second
const defaultNetworkBufferSize = "64kb"

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Longest suffix first so "mb" isn't matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
