// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux || darwin

package platattr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUnixGatherer_XattrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g := New()
	if err := g.SetXattr(path, Xattr{Name: "user.nbackup.test", Value: []byte("hello")}); err != nil {
		t.Skipf("xattr not supported on this filesystem: %v", err)
	}

	xattrs, err := g.Xattrs(path)
	if err != nil {
		t.Fatalf("Xattrs: %v", err)
	}
	var found bool
	for _, x := range xattrs {
		if x.Name == "user.nbackup.test" {
			found = true
			if string(x.Value) != "hello" {
				t.Fatalf("value = %q, want %q", x.Value, "hello")
			}
		}
	}
	if !found {
		t.Fatal("set xattr not found in listing")
	}
}

func TestUnixGatherer_ACLUnsupported(t *testing.T) {
	g := New()
	if _, err := g.ACL("/"); err != ErrUnsupported {
		t.Fatalf("ACL err = %v, want ErrUnsupported", err)
	}
}
