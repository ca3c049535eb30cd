// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
)

// StatusReport is the response to the status/.status administrative
// commands. Supplemented from original_source/src/filed/status.c, which
// the distillation dropped but no Non-goal excludes: the original reports
// daemon-wide load/memory/disk alongside the running job's counters.
type StatusReport struct {
	ClientName    string
	Uptime        time.Duration
	RunningJobID  string
	RunningState  State
	JobCounters   *joberror.Counters
	LoadAverage1  float64
	MemoryPercent float64
	DiskFreeBytes uint64
}

// CollectHostStats fills the host-introspection fields of r, tolerating any
// individual collector's failure (each becomes a zero value rather than
// aborting the whole report), matching the teacher's SystemMonitor.collect
// per-metric error handling in internal/agent/monitor.go.
func CollectHostStats(r *StatusReport, statPath string) {
	if l, err := load.Avg(); err == nil {
		r.LoadAverage1 = l.Load1
	}
	if v, err := mem.VirtualMemory(); err == nil {
		r.MemoryPercent = v.UsedPercent
	}
	if d, err := disk.Usage(statPath); err == nil {
		r.DiskFreeBytes = d.Free
	}
}

// WriteStatus renders r as the multi-line status report text the Director
// console displays.
func WriteStatus(w io.Writer, r StatusReport) error {
	if err := WriteLine(w, "%s Version: uptime=%s", r.ClientName, r.Uptime.Truncate(time.Second)); err != nil {
		return err
	}
	if err := WriteLine(w, "Load: %.2f  Memory: %.1f%%  DiskFree: %s",
		r.LoadAverage1, r.MemoryPercent, humanBytes(r.DiskFreeBytes)); err != nil {
		return err
	}
	if r.RunningJobID == "" {
		return WriteLine(w, "No jobs running.")
	}
	if err := WriteLine(w, "JobId %s is running (%s)", r.RunningJobID, r.RunningState); err != nil {
		return err
	}
	if r.JobCounters == nil {
		return nil
	}
	return WriteLine(w, "  Files=%d Bytes=%d Errors=%d",
		r.JobCounters.FilesSent, r.JobCounters.BytesSent, r.JobCounters.Errors)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for nn := n / unit; nn >= unit; nn /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
