// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/nbackup-filed/internal/accurate"
	"github.com/nishisan-dev/nbackup-filed/internal/changestore"
	"github.com/nishisan-dev/nbackup-filed/internal/config"
	"github.com/nishisan-dev/nbackup-filed/internal/fileset"
	"github.com/nishisan-dev/nbackup-filed/internal/heartbeat"
	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
	"github.com/nishisan-dev/nbackup-filed/internal/logging"
	"github.com/nishisan-dev/nbackup-filed/internal/protocol"
)

// authFailurePenalty is the single-thread-gated sleep spec.md §4.6 names as
// a DoS mitigation for failed Director authentication: a failing Director
// connection is made to wait before its socket is closed, bounding the rate
// at which a single attacker can retry.
const authFailurePenalty = 6 * time.Second

// authThrottle serializes the authFailurePenalty sleep across every
// Director connection on this File Daemon, per spec.md §5: concurrently
// failing connections queue up on one sleep rather than each sleeping in
// parallel, so the penalty actually bounds the daemon-wide retry rate
// instead of just the one connection paying it.
var authThrottle sync.Mutex

// Context is the per-job state threaded through a Director dialogue:
// identity, fileset, change-detection store and job-wide error counters.
// Grounded on original_source/src/filed/jcr.h's per-job control block,
// generalized from the teacher's ad hoc handler-local variables
// (internal/server/handler.go's inline agentName/storageName/backupName
// parameters) into one named, passed-by-pointer struct.
type Context struct {
	JobID        string
	JobName      string
	DirectorName string
	Level        string
	SinceTime    time.Time

	FileSet      *fileset.Set
	ChangeStore  changestore.Store
	Counters     *joberror.Counters
	Director     DirectorResource

	// Logger is this job's logger, fanned out to a dedicated per-job log
	// file when StateMachine.SessionLogDir is configured (set at "jobid",
	// nil until then). Orchestrators should prefer this over a daemon-wide
	// logger when present.
	Logger *slog.Logger

	// SD is the already-authenticated Storage-Daemon channel, established
	// when the Director sends "storage" and torn down at end of job.
	SD       net.Conn
	SDWriter *protocol.Writer
	SDReader *protocol.Reader
}

// DirectorResource is the subset of config.DirectorResource the state
// machine needs, named locally to keep internal/session independent of
// internal/config's YAML concerns beyond this one lookup.
type DirectorResource = config.DirectorResource

// BackupFunc runs the backup orchestrator for jctx once the state machine
// has reached StateConnectedSD and received a "backup" command, streaming
// records over jctx.SDWriter. Injected at construction (internal/backup
// depends on internal/session, not the other way around) to avoid an
// import cycle.
type BackupFunc func(ctx context.Context, jctx *Context) (EndJobSummary, error)

// RestoreFunc is BackupFunc's restore/verify counterpart, reading records
// from jctx.SDReader.
type RestoreFunc func(ctx context.Context, jctx *Context, verify bool) (EndJobSummary, error)

// DialStorageFunc establishes and authenticates the Storage-Daemon channel
// for jctx, returning the raw connection. Injected at construction so
// tests can substitute internal/sdsim's in-process test double for a real
// TLS dial.
type DialStorageFunc func(ctx context.Context, jctx *Context) (net.Conn, error)

// StateMachine drives one Director connection end to end: command parsing,
// authentication, fileset/accurate loading, and dispatch into the backup or
// restore orchestrator, per spec.md §4.6's state table.
type StateMachine struct {
	Directors *config.DirectorSet
	Logger    *slog.Logger

	// SessionLogDir, if set, gives every job its own log file under
	// {SessionLogDir}/{director}/{jobID}.log in addition to Logger's
	// normal output (internal/logging.NewSessionLogger).
	SessionLogDir string

	RunBackup   BackupFunc
	RunRestore  RestoreFunc
	DialStorage DialStorageFunc

	state            State
	jctx             *Context
	sessionLogCloser io.Closer
}

// Run drives the Director dialogue over conn until EOF, a fatal error, or
// ctx cancellation. It starts an internal/heartbeat.Monitor goroutine
// alongside the synchronous command loop, matching spec.md §5's
// one-session-thread-plus-one-heartbeat-thread model realized as
// goroutines.
func (sm *StateMachine) Run(ctx context.Context, conn net.Conn) error {
	logger := sm.Logger.With("remote", conn.RemoteAddr().String())
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	canceled := &heartbeat.Canceled{}
	monitor := &heartbeat.Monitor{Director: conn, Canceled: canceled, Logger: logger}
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)
	defer canceled.Set()

	sm.state = StateAwaitingHello

	for sm.state != StateClosed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := rw.ReadString('\n')
		if err != nil {
			logger.Info("director connection closed", "state", sm.state, "reason", err)
			return nil
		}
		line = trimLine(line)
		if line == "" {
			continue
		}

		cmd := ParseCommand(line)
		if err := sm.dispatch(ctx, rw, logger, cmd); err != nil {
			logger.Error("session error", "state", sm.state, "command", cmd.Name, "error", err)
			_ = WriteResponse(rw, RspError, err.Error())
			rw.Flush()
			if isFatal(err) {
				return err
			}
		}
		rw.Flush()
	}
	return nil
}

func isFatal(err error) bool {
	e, ok := err.(*joberror.Error)
	return ok && e.Kind == joberror.Fatal
}

func (sm *StateMachine) dispatch(ctx context.Context, rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	switch sm.state {
	case StateAwaitingHello:
		return sm.handleHello(rw, logger, cmd)
	case StateAwaitingAuth:
		return sm.handleAuth(rw, logger, cmd)
	case StateReady, StateHaveJob:
		return sm.handleReadyOrJob(ctx, rw, logger, cmd)
	case StateConnectedSD:
		return sm.handleConnectedSD(ctx, rw, logger, cmd)
	default:
		return fmt.Errorf("session: unexpected command %q in state %s", cmd.Name, sm.state)
	}
}

func (sm *StateMachine) handleHello(rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	if cmd.Name != "hello" {
		sm.state = StateClosed
		return joberror.New(joberror.Fatal, "hello", fmt.Errorf("expected Hello greeting, got %q", cmd.Raw))
	}
	sm.state = StateAwaitingAuth
	greeting := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd.Raw)[len("hello"):], " "))
	return WriteResponse(rw, RspHello, "Hello "+greeting)
}

func (sm *StateMachine) handleAuth(rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	name, _ := cmd.Arg("director")
	director, ok := sm.Directors.Lookup(name)
	if !ok {
		sm.rejectAuth(rw, logger, name)
		return nil
	}

	challenge, _ := cmd.Arg("challenge")
	response, _ := cmd.Arg("response")
	expected := cramResponse(director.Password, challenge)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		sm.rejectAuth(rw, logger, name)
		return nil
	}

	sm.jctx = &Context{DirectorName: name, Director: director, Counters: joberror.NewCounters()}
	sm.state = StateReady
	return WriteResponse(rw, RspAuthOK, "auth ok")
}

// rejectAuth implements spec.md §4.6's DoS mitigation: a single-thread-
// gated sleep before closing, so a failing Director connection cannot be
// retried faster than authFailurePenalty allows.
func (sm *StateMachine) rejectAuth(rw *bufio.ReadWriter, logger *slog.Logger, name string) {
	logger.Warn("director authentication failed", "director", name)
	WriteResponse(rw, RspAuthFailed, "authentication failed")
	rw.Flush()
	authThrottle.Lock()
	time.Sleep(authFailurePenalty)
	authThrottle.Unlock()
	sm.state = StateClosed
}

// cramResponse computes the expected CRAM-like HMAC-SHA256 response for a
// Director's shared password and a server-issued challenge nonce.
func cramResponse(password, challenge string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (sm *StateMachine) handleReadyOrJob(ctx context.Context, rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	if IsAdminCommand(cmd.Name) {
		if sm.jctx.Director.Monitor && !MonitorAllowed(cmd.Name) {
			return fmt.Errorf("session: monitor director may not invoke %q", cmd.Name)
		}
		return sm.handleAdmin(rw, logger, cmd)
	}

	switch cmd.Name {
	case "jobid":
		jobID, _ := cmd.Arg("jobid")
		job, _ := cmd.Arg("job")
		sm.jctx.JobID = jobID
		sm.jctx.JobName = job
		sm.jctx.FileSet = nil
		sm.jctx.ChangeStore = nil

		jobLogger, closer, _, err := logging.NewSessionLogger(sm.Logger, sm.SessionLogDir, sm.jctx.DirectorName, jobID)
		if err != nil {
			return joberror.New(joberror.Fatal, "jobid", fmt.Errorf("opening session log: %w", err))
		}
		sm.sessionLogCloser = closer
		sm.jctx.Logger = jobLogger

		sm.state = StateHaveJob
		return WriteResponse(rw, RspJobAccepted, "job accepted")

	case "level":
		return sm.handleLevel(rw, logger, cmd)

	case "fileset":
		return sm.handleFileSet(ctx, rw)

	case "accurate":
		return sm.handleAccurate(ctx, rw, cmd)

	case "storage":
		return sm.handleStorage(ctx, rw)

	default:
		return fmt.Errorf("session: unexpected command %q in state %s", cmd.Name, sm.state)
	}
}

// handleStorage dials the Storage Daemon (via the injected DialStorage
// hook, left nil-checked so a daemon with no backup runner configured can
// still exercise the Director-only states), wraps the connection in
// internal/protocol's Reader/Writer, and advances to StateConnectedSD.
func (sm *StateMachine) handleStorage(ctx context.Context, rw *bufio.ReadWriter) error {
	if sm.DialStorage == nil {
		return fmt.Errorf("session: no storage dialer configured")
	}
	conn, err := sm.DialStorage(ctx, sm.jctx)
	if err != nil {
		return joberror.New(joberror.Fatal, "storage", err)
	}
	sm.jctx.SD = conn
	sm.jctx.SDWriter = protocol.NewWriter(conn)
	sm.jctx.SDReader = protocol.NewReader(conn)
	sm.state = StateConnectedSD
	return WriteResponse(rw, RspStorageOK, "storage ready")
}

func (sm *StateMachine) handleLevel(rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	level, _ := cmd.Arg("level")
	sm.jctx.Level = level

	if level != "since_utime" {
		return WriteResponse(rw, RspOK, "level set")
	}

	sinceUtime, _ := cmd.Arg("since_utime")
	epoch, err := strconv.ParseInt(sinceUtime, 10, 64)
	if err != nil {
		return fmt.Errorf("session: malformed since_utime %q: %w", sinceUtime, err)
	}

	adjusted, err := SyncSinceTime(rw, logger, time.Unix(epoch, 0))
	if err != nil {
		return err
	}
	sm.jctx.SinceTime = adjusted
	return WriteResponse(rw, RspOK, "level set")
}

// handleFileSet reads fileset lines until a blank terminator line, feeding
// each into a fileset.Parser, per spec.md §4.7.
func (sm *StateMachine) handleFileSet(ctx context.Context, rw *bufio.ReadWriter) error {
	parser := fileset.NewParser()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := rw.ReadString('\n')
		if err != nil {
			return fmt.Errorf("session: reading fileset lines: %w", err)
		}
		line = trimLine(line)
		if line == "" {
			break
		}
		if err := parser.Feed(line); err != nil {
			// Sticky error: keep consuming lines per spec.md §4.7's
			// "any code after an error is silently dropped", but report
			// failure once fileset parsing is finished.
			continue
		}
	}
	set, err := parser.Finish()
	if err != nil {
		return fmt.Errorf("session: fileset: %w", err)
	}
	sm.jctx.FileSet = set
	return WriteResponse(rw, RspOK, "fileset accepted")
}

// handleAccurate reads the Director's accurate-state dump and populates
// the job's changestore.Store, per spec.md §4.3/§4.9.
func (sm *StateMachine) handleAccurate(ctx context.Context, rw *bufio.ReadWriter, cmd Command) error {
	countStr, _ := cmd.Arg("entries")
	count, _ := strconv.Atoi(countStr)

	store := changestore.NewMemoryStore()
	if err := accurate.LoadFromDirector(rw, store, count); err != nil {
		return fmt.Errorf("session: accurate: %w", err)
	}
	sm.jctx.ChangeStore = store
	return WriteResponse(rw, RspOK, "accurate state loaded")
}

func (sm *StateMachine) handleAdmin(rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	switch cmd.Name {
	case "status", ".status":
		report := StatusReport{
			ClientName:   sm.jctx.DirectorName,
			RunningJobID: sm.jctx.JobID,
			RunningState: sm.state,
			JobCounters:  sm.jctx.Counters,
		}
		CollectHostStats(&report, "/")
		return WriteStatus(rw, report)
	case "cancel":
		sm.state = StateReady
		return WriteResponse(rw, RspOK, "job canceled")
	default:
		return WriteResponse(rw, RspOK, "ok")
	}
}

func (sm *StateMachine) handleConnectedSD(ctx context.Context, rw *bufio.ReadWriter, logger *slog.Logger, cmd Command) error {
	switch cmd.Name {
	case "backup":
		if sm.RunBackup == nil {
			return fmt.Errorf("session: no backup runner configured")
		}
		sm.state = StateBackingUp
		summary, err := sm.RunBackup(ctx, sm.jctx)
		return sm.finishJob(rw, summary, err)

	case "restore", "verify":
		if sm.RunRestore == nil {
			return fmt.Errorf("session: no restore runner configured")
		}
		verify := cmd.Name == "verify"
		if verify {
			sm.state = StateVerifying
		} else {
			sm.state = StateRestoring
		}
		summary, err := sm.RunRestore(ctx, sm.jctx, verify)
		return sm.finishJob(rw, summary, err)

	default:
		return fmt.Errorf("session: unexpected command %q in state %s", cmd.Name, sm.state)
	}
}

// finishJob closes the Storage-Daemon channel, returns to StateReady, and
// emits the EndJob summary — forcing TermFatal if the orchestrator itself
// returned an error.
func (sm *StateMachine) finishJob(rw *bufio.ReadWriter, summary EndJobSummary, err error) error {
	if sm.jctx.SD != nil {
		sm.jctx.SD.Close()
		sm.jctx.SD = nil
		sm.jctx.SDWriter = nil
		sm.jctx.SDReader = nil
	}
	sm.state = StateReady
	if err != nil {
		summary.TermCode = TermFatal
	}

	if sm.sessionLogCloser != nil {
		sm.sessionLogCloser.Close()
		sm.sessionLogCloser = nil
	}
	if summary.TermCode == TermOK {
		logging.RemoveSessionLog(sm.SessionLogDir, sm.jctx.DirectorName, sm.jctx.JobID)
	}
	sm.jctx.Logger = nil

	return WriteEndJob(rw, summary)
}
