// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import "testing"

func TestParseCommand_BareKeyword(t *testing.T) {
	cmd := ParseCommand("cancel Job=42")
	if cmd.Name != "cancel" {
		t.Fatalf("Name = %q, want %q", cmd.Name, "cancel")
	}
	if v, ok := cmd.Arg("job"); !ok || v != "42" {
		t.Fatalf("Arg(job) = %q, %v", v, ok)
	}
}

func TestParseCommand_AllKeyValue(t *testing.T) {
	cmd := ParseCommand("JobId=7 Job=nightly Authorization=abc123")
	if cmd.Name != "jobid" {
		t.Fatalf("Name = %q, want %q", cmd.Name, "jobid")
	}
	if v, _ := cmd.Arg("Job"); v != "nightly" {
		t.Fatalf("Arg(Job) = %q", v)
	}
	if v, _ := cmd.Arg("authorization"); v != "abc123" {
		t.Fatalf("Arg(authorization) = %q", v)
	}
}

func TestParseCommand_Empty(t *testing.T) {
	cmd := ParseCommand("")
	if cmd.Name != "" {
		t.Fatalf("Name = %q, want empty", cmd.Name)
	}
	if len(cmd.Args) != 0 {
		t.Fatalf("Args = %v, want empty", cmd.Args)
	}
}

func TestParseCommand_MissingArg(t *testing.T) {
	cmd := ParseCommand("status")
	if _, ok := cmd.Arg("jobid"); ok {
		t.Fatal("expected jobid to be absent")
	}
}
