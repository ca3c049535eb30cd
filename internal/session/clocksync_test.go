// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeDirectorClock answers every "getclock" line with a fixed Unix
// timestamp skewed by skew relative to the real time it received the
// request, simulating a Director clock.
func fakeDirectorClock(t *testing.T, r io.Reader, w io.Writer, skew time.Duration) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if trimLine(line) != "getclock" {
			continue
		}
		ts := time.Now().Add(skew).Unix()
		if _, err := fmt.Fprintf(w, "%d\n", ts); err != nil {
			return
		}
	}
}

func TestSyncSinceTime_AppliesAverageSkew(t *testing.T) {
	clientRead, directorWrite := io.Pipe()
	directorRead, clientWrite := io.Pipe()
	defer directorWrite.Close()
	defer clientWrite.Close()

	skew := 10 * time.Second
	go fakeDirectorClock(t, directorRead, directorWrite, skew)

	rw := bufio.NewReadWriter(bufio.NewReader(clientRead), bufio.NewWriter(clientWrite))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	since := time.Unix(1_700_000_000, 0)
	adjusted, err := SyncSinceTime(rw, logger, since)
	if err != nil {
		t.Fatalf("SyncSinceTime: %v", err)
	}

	delta := adjusted.Sub(since)
	if delta < skew-time.Second || delta > skew+time.Second {
		t.Fatalf("adjusted skew = %v, want ~%v", delta, skew)
	}
}

func TestSyncSinceTime_MalformedResponse(t *testing.T) {
	clientRead, directorWrite := io.Pipe()
	directorRead, clientWrite := io.Pipe()
	defer directorWrite.Close()
	defer clientWrite.Close()

	go func() {
		reader := bufio.NewReader(directorRead)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			if _, err := io.WriteString(directorWrite, "not-a-number\n"); err != nil {
				return
			}
		}
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(clientRead), bufio.NewWriter(clientWrite))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := SyncSinceTime(rw, logger, time.Now()); err == nil {
		t.Fatal("expected error for malformed director clock response")
	}
}

func TestTrimLine(t *testing.T) {
	cases := map[string]string{
		"foo\n":   "foo",
		"foo\r\n": "foo",
		"foo":     "foo",
		"":        "",
	}
	for in, want := range cases {
		if got := trimLine(in); got != want {
			t.Errorf("trimLine(%q) = %q, want %q", in, got, want)
		}
	}
}
