// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fileset

import (
	"testing"

	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

func TestParserBuildsIncludeExcludeEntries(t *testing.T) {
	p := NewParser()
	lines := []string{
		"I",
		"O sMRZ5X",
		"F /home/user",
		"F /etc",
		"E",
		"O h",
		"F /home/user/.cache",
	}
	for _, l := range lines {
		if err := p.Feed(l); err != nil {
			t.Fatalf("Feed(%q): %v", l, err)
		}
	}
	set, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !set.Committed {
		t.Fatal("set not committed")
	}
	if len(set.Include) != 1 || len(set.Exclude) != 1 {
		t.Fatalf("got %d include, %d exclude entries", len(set.Include), len(set.Exclude))
	}

	inc := set.Include[0]
	if len(inc.Files) != 2 || inc.Files[0] != "/home/user" || inc.Files[1] != "/etc" {
		t.Fatalf("include files = %v", inc.Files)
	}
	if !inc.Options.Sparse || !inc.Options.MacResourceForks || !inc.Options.Xattrs {
		t.Fatalf("include options = %+v", inc.Options)
	}
	if inc.Options.CompressAlgo != transform.CompressGZIP || inc.Options.CompressLevel != 5 {
		t.Fatalf("include compress = %v level %d", inc.Options.CompressAlgo, inc.Options.CompressLevel)
	}

	exc := set.Exclude[0]
	if len(exc.Files) != 1 || exc.Files[0] != "/home/user/.cache" {
		t.Fatalf("exclude files = %v", exc.Files)
	}
	if !exc.Options.NoRecursion {
		t.Fatal("exclude options missing NoRecursion")
	}
}

func TestParserStickyErrorState(t *testing.T) {
	p := NewParser()
	if err := p.Feed("F /outside/any/block"); err == nil {
		t.Fatal("expected error for F code outside I/E block")
	}
	firstErr := p.Err()

	// Every subsequent Feed, even one that would otherwise be valid, must
	// be silently dropped and return the same latched error.
	if err := p.Feed("I"); err != firstErr {
		t.Fatalf("Feed after error = %v, want latched %v", err, firstErr)
	}
	if _, err := p.Finish(); err != firstErr {
		t.Fatalf("Finish after error = %v, want latched %v", err, firstErr)
	}
}

func TestParserPatternsWithParameterizedOptions(t *testing.T) {
	p := NewParser()
	for _, l := range []string{
		"I",
		"O C0:J1:P2:",
		"R /var/.*\\.log$",
		"WD /tmp/*",
	} {
		if err := p.Feed(l); err != nil {
			t.Fatalf("Feed(%q): %v", l, err)
		}
	}
	set, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	inc := set.Include[0]
	if inc.Options.AccurateOpts != "0" || inc.Options.BaseJobOpts != "1" {
		t.Fatalf("options = %+v", inc.Options)
	}
	if inc.Options.StripPathCount != 2 {
		t.Fatalf("strip path count = %d", inc.Options.StripPathCount)
	}
	if len(inc.Regex) != 1 || inc.Regex[0].Text != "/var/.*\\.log$" {
		t.Fatalf("regex = %v", inc.Regex)
	}
	if len(inc.Wildcard) != 1 || inc.Wildcard[0].Subcode != "D" || inc.Wildcard[0].Text != "/tmp/*" {
		t.Fatalf("wildcard = %v", inc.Wildcard)
	}
}
