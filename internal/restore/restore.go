// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package restore implements the per-job restore/verify orchestrator: it
// consumes the ordered record stream a backup job produced and drives the
// inverse of the backup transform chain (spec.md §4.5).
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/nishisan-dev/nbackup-filed/internal/fswalk"
	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
	"github.com/nishisan-dev/nbackup-filed/internal/platattr"
	"github.com/nishisan-dev/nbackup-filed/internal/protocol"
	"github.com/nishisan-dev/nbackup-filed/internal/session"
	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

// Options configures the destination and key material a restore job needs.
type Options struct {
	// DestRoot is prefixed onto every restored path, so a restore never
	// writes outside the configured destination tree.
	DestRoot string

	Keyring openpgp.EntityList
	Trusted openpgp.EntityList // signers accepted by verify_signature

	// Compress names the one compression algorithm this job's fileset
	// negotiated. A job has exactly one configured algorithm (spec.md
	// §4.7's "Z<level>" option); the generic compressed-data stream types
	// do not themselves carry which algorithm produced them, so the
	// restore side must already know it rather than guess from the
	// stream type.
	Compress transform.CompressionAlgo

	// ContentDigest/SignDigest name the digest algorithms the backup job
	// used, needed to recompute the matching running hashes on restore.
	ContentDigest transform.DigestAlgo
	SignDigest    transform.DigestAlgo

	Verify bool // verify-only: compare digests, never write content
}

// Summary is the job-wide restore result.
type Summary struct {
	Counters *joberror.Counters
}

// action is the disposition chosen for one attributes record, mirroring
// the platform create_file helper's decision set (spec.md §4.5).
type action int

const (
	actionCreate action = iota
	actionCoreHandled
	actionSkip
	actionCreatedNoContent
	actionExtract
	actionError
)

// fileState is the rolling previous-stream discriminator: what the
// orchestrator is doing with the file the most recent attributes record
// opened.
type fileState int

const (
	stateNoFile fileState = iota
	stateExtracting
	stateSkipping
	stateErroring
)

type pendingXattr struct {
	path string
	x    platattr.Xattr
}

// Run consumes jctx.SDReader until end-of-session, applying the inverse
// transform chain per record. Grounded on the teacher's session-loop shape
// (internal/agent/backup.go's read-dispatch-continue loop) generalized
// from a fixed backup direction to the restore side's record-driven state
// machine.
func Run(ctx context.Context, jctx *session.Context, gatherer platattr.Gatherer, opts Options, logger *slog.Logger) (Summary, error) {
	logger = logger.With("job", jctx.JobID)

	o := &orchestrator{
		jctx:     jctx,
		sd:       jctx.SDReader,
		opts:     opts,
		gatherer: gatherer,
		logger:   logger,
		counters: jctx.Counters,
		state:    stateNoFile,
	}

	for {
		select {
		case <-ctx.Done():
			return Summary{Counters: o.counters}, ctx.Err()
		default:
		}

		rec, err := o.sd.RecvRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Summary{Counters: o.counters}, fmt.Errorf("restore: %w", err)
		}
		if err := o.handleRecord(rec); err != nil {
			return Summary{Counters: o.counters}, fmt.Errorf("restore: %w", err)
		}
	}

	if err := o.closeCurrentFile(); err != nil {
		return Summary{Counters: o.counters}, fmt.Errorf("restore: closing final file: %w", err)
	}

	return Summary{Counters: o.counters}, nil
}

type orchestrator struct {
	jctx     *session.Context
	sd       *protocol.Reader
	opts     Options
	gatherer platattr.Gatherer
	logger   *slog.Logger
	counters *joberror.Counters

	state fileState

	curPath       string
	curType       fswalk.Type
	curFile       *os.File
	curDigest     *transform.DigestSet
	sessionKeySet bool
	sessionKey    transform.SessionKey
	writeOffset   int64

	pendingXattrs []pendingXattr
	pendingACL    []byte
	haveSig       []byte
	wantDigest    []byte

	warnedUnknown map[protocol.StreamType]bool
}

func (o *orchestrator) handleRecord(rec protocol.Record) error {
	switch {
	case rec.StreamType == protocol.StreamUnixAttributes:
		return o.handleAttributes(rec)
	case rec.StreamType == protocol.StreamEncryptedSessionData:
		return o.handleSessionKey(rec)
	case rec.StreamType.IsData():
		return o.handleData(rec)
	case rec.StreamType == protocol.StreamMacOSForkData:
		return o.handleMacForkData(rec)
	case rec.StreamType == protocol.StreamHFSAttributes:
		return o.handleFinderInfo(rec)
	case rec.StreamType.IsACL():
		return o.handleACL(rec)
	case rec.StreamType.IsXattr():
		return o.handleXattr(rec)
	case rec.StreamType == protocol.StreamSignedDigest:
		o.haveSig = rec.Payload
		return nil
	case rec.StreamType.IsDigest():
		return o.handleDigest(rec)
	case rec.StreamType == protocol.StreamProgramNames, rec.StreamType == protocol.StreamProgramData:
		return nil // reserved, must be ignored
	default:
		o.warnUnknown(rec.StreamType)
		return nil
	}
}

func (o *orchestrator) warnUnknown(st protocol.StreamType) {
	if o.warnedUnknown == nil {
		o.warnedUnknown = make(map[protocol.StreamType]bool)
	}
	if o.warnedUnknown[st] {
		return
	}
	o.warnedUnknown[st] = true
	o.counters.Errors++
	o.logger.Warn("unknown stream type, ignoring", "stream_type", int(st))
}

// handleAttributes closes whatever file was previously open, then opens
// the next one per spec.md §4.5's attributes-record-closes-previous-file
// contract.
func (o *orchestrator) handleAttributes(rec protocol.Record) error {
	if err := o.closeCurrentFile(); err != nil {
		o.softError("close", err)
	}

	_, fileType, path, _, _, err := decodeAttributes(rec.Payload)
	if err != nil {
		return joberror.New(joberror.FatalPerFile, "attributes", err)
	}

	o.curPath = filepath.Join(destRoot(o.opts), path)
	o.curType = fileType
	o.sessionKeySet = false
	o.writeOffset = 0
	o.haveSig = nil
	o.pendingXattrs = nil
	o.pendingACL = nil

	act := o.decideAction(fileType)
	o.logRestoreLine(path, act)

	switch act {
	case actionSkip, actionError, actionCoreHandled:
		o.state = stateSkipping
		return nil
	case actionCreatedNoContent:
		o.state = stateSkipping
		return o.createEmpty(fileType)
	case actionCreate:
		o.state = stateSkipping
		if fileType == fswalk.TypeDirectoryBegin {
			return o.createEmpty(fileType)
		}
		return nil
	case actionExtract:
		return o.openForExtract(fileType)
	default:
		o.state = stateSkipping
		return nil
	}
}

func destRoot(o Options) string {
	if o.DestRoot == "" {
		return "/"
	}
	return o.DestRoot
}

func (o *orchestrator) decideAction(t fswalk.Type) action {
	switch t {
	case fswalk.TypeDirectoryBegin, fswalk.TypeDirectoryEnd:
		return actionCreate
	case fswalk.TypeRegular, fswalk.TypeBlockDevice, fswalk.TypeCharDevice, fswalk.TypeFIFO:
		return actionExtract
	case fswalk.TypeRegularEmpty, fswalk.TypeSymlink, fswalk.TypeLinkSaved:
		return actionCreatedNoContent
	case fswalk.TypeDeleted, fswalk.TypeRestoreObject, fswalk.TypePluginConfig, fswalk.TypeBase:
		return actionSkip
	default:
		// Platform-specific or informational types spec.md doesn't list an
		// explicit restore action for (reparse points, junctions, the
		// accurate-mode no-access/no-stat/no-change/archive-bit markers)
		// fall to the platform create_file helper's own default, mirroring
		// the original's CF_CORE: "let the core handle it".
		return actionCoreHandled
	}
}

func (o *orchestrator) logRestoreLine(path string, act action) {
	o.logger.Info("restore", "path", path, "action", act)
}

func (o *orchestrator) createEmpty(t fswalk.Type) error {
	if o.opts.Verify {
		return nil
	}
	if t == fswalk.TypeDirectoryBegin {
		return os.MkdirAll(o.curPath, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(o.curPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(o.curPath)
	if err != nil {
		return err
	}
	return f.Close()
}

func (o *orchestrator) openForExtract(t fswalk.Type) error {
	digest, err := transform.NewDigestSet(o.opts.ContentDigest, o.opts.SignDigest)
	if err != nil {
		return joberror.New(joberror.FatalPerFile, "digest-init", err)
	}
	o.curDigest = digest

	if o.opts.Verify {
		o.curFile = nil
		o.state = stateExtracting
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(o.curPath), 0o755); err != nil {
		return joberror.New(joberror.FatalPerFile, "mkdir", err)
	}
	f, err := os.Create(o.curPath)
	if err != nil {
		return joberror.New(joberror.FatalPerFile, "create", err)
	}
	o.curFile = f
	o.state = stateExtracting
	return nil
}

func (o *orchestrator) handleSessionKey(rec protocol.Record) error {
	if o.sessionKeySet {
		return joberror.New(joberror.FatalPerFile, "session-key", errors.New("duplicate session-key record"))
	}
	key, err := transform.UnsealSessionKey(rec.Payload, o.opts.Keyring)
	if err != nil {
		return joberror.New(joberror.FatalPerFile, "session-key", err)
	}
	o.sessionKey = key
	o.sessionKeySet = true
	return nil
}

func (o *orchestrator) handleData(rec protocol.Record) error {
	if o.state != stateExtracting {
		return nil
	}

	payload := rec.Payload

	if rec.StreamType == protocol.StreamEncryptedFileData || rec.StreamType == protocol.StreamEncryptedCompressedData || rec.StreamType == protocol.StreamEncryptedGzipFileData {
		plain, err := transform.DecipherBlock(o.sessionKey, payload)
		if err != nil {
			return o.fileFatal("decrypt", err)
		}
		payload = plain
	}

	if isCompressedStreamType(rec.StreamType) {
		plain, err := transform.DecompressBlock(o.opts.Compress, payload)
		if err != nil {
			return o.fileFatal("decompress", err)
		}
		payload = plain
	}

	if isSparseStreamType(rec.StreamType) {
		block, err := transform.DecodeSparseBlock(payload)
		if err != nil {
			return o.fileFatal("sparse-decode", err)
		}
		if block.Address != o.writeOffset && o.curFile != nil {
			if _, err := o.curFile.Seek(block.Address, io.SeekStart); err != nil {
				return o.fileFatal("seek", err)
			}
			o.writeOffset = block.Address
		}
		payload = block.Data
	}

	if o.curDigest != nil {
		o.curDigest.Write(payload)
	}

	if o.curFile != nil {
		n, err := o.curFile.Write(payload)
		if err != nil {
			return o.fileFatal("write", err)
		}
		o.writeOffset += int64(n)
	} else {
		o.writeOffset += int64(len(payload))
	}
	return nil
}

func isCompressedStreamType(st protocol.StreamType) bool {
	switch st {
	case protocol.StreamGzipData, protocol.StreamSparseGzipData, protocol.StreamEncryptedGzipFileData,
		protocol.StreamCompressedData, protocol.StreamSparseCompressedData, protocol.StreamEncryptedCompressedData:
		return true
	default:
		return false
	}
}

func isSparseStreamType(st protocol.StreamType) bool {
	switch st {
	case protocol.StreamSparseData, protocol.StreamSparseGzipData, protocol.StreamSparseCompressedData:
		return true
	default:
		return false
	}
}

func (o *orchestrator) handleMacForkData(rec protocol.Record) error {
	// Resource-fork writing requires Darwin-specific syscalls this repo's
	// development and CI environment cannot exercise; recorded as a soft
	// error rather than dropped silently.
	return o.softError("mac-fork", platattr.ErrUnsupported)
}

func (o *orchestrator) handleFinderInfo(rec protocol.Record) error {
	return o.softError("finder-info", platattr.ErrUnsupported)
}

func (o *orchestrator) handleACL(rec protocol.Record) error {
	if o.curType == fswalk.TypeDirectoryBegin {
		if o.opts.Verify || o.curPath == "" {
			return nil
		}
		if err := o.gatherer.SetACL(o.curPath, rec.Payload); err != nil {
			return o.softError("acl", err)
		}
		return nil
	}
	o.pendingACL = rec.Payload
	return nil
}

func (o *orchestrator) handleXattr(rec protocol.Record) error {
	idx := strings.IndexByte(string(rec.Payload), 0)
	if idx < 0 {
		return o.softError("xattr", fmt.Errorf("malformed xattr payload"))
	}
	x := platattr.Xattr{Name: string(rec.Payload[:idx]), Value: rec.Payload[idx+1:]}

	if o.curType == fswalk.TypeDirectoryBegin {
		if o.opts.Verify || o.curPath == "" {
			return nil
		}
		if err := o.gatherer.SetXattr(o.curPath, x); err != nil {
			return o.softError("xattr", err)
		}
		return nil
	}
	o.pendingXattrs = append(o.pendingXattrs, pendingXattr{path: o.curPath, x: x})
	return nil
}

func (o *orchestrator) handleDigest(rec protocol.Record) error {
	o.wantDigest = rec.Payload
	return nil
}

// closeCurrentFile finalizes the file the most recent attributes record
// opened: flushes the output, applies the delayed ACL/xattr queue, and
// verifies signature/digest against what was actually written.
func (o *orchestrator) closeCurrentFile() error {
	defer func() {
		o.curFile = nil
		o.curDigest = nil
		o.state = stateNoFile
		o.curPath = ""
	}()

	if o.curFile != nil {
		if err := o.curFile.Close(); err != nil {
			return err
		}
	}

	if !o.opts.Verify && o.curPath != "" {
		for _, px := range o.pendingXattrs {
			if err := o.gatherer.SetXattr(px.path, px.x); err != nil {
				o.softError("xattr", err)
			}
		}
		if o.pendingACL != nil {
			if err := o.gatherer.SetACL(o.curPath, o.pendingACL); err != nil {
				o.softError("acl", err)
			}
		}
	}

	if o.curDigest != nil {
		if len(o.haveSig) > 0 {
			if err := transform.Verify(o.opts.Trusted, o.curDigest.SignHash(), o.haveSig); err != nil {
				// Signature failure is reported but the file stays on disk
				// (spec.md §4.5): it is not deleted or rolled back.
				o.logger.Warn("signature verification failed", "path", o.curPath, "error", err)
				o.counters.Errors++
			}
		}
		if len(o.wantDigest) > 0 {
			got := o.curDigest.ContentSum()
			if string(got) != string(o.wantDigest) {
				o.logger.Warn("digest mismatch", "path", o.curPath)
				o.counters.Errors++
			}
		}
	}
	o.haveSig = nil
	o.wantDigest = nil
	return nil
}

func (o *orchestrator) fileFatal(kind string, cause error) error {
	o.state = stateErroring
	o.counters.RecordFatalPerFile()
	o.logger.Warn("file error, abandoning extraction", "kind", kind, "path", o.curPath, "error", cause)
	return nil
}

func (o *orchestrator) softError(kind string, cause error) error {
	if o.counters.ShouldLog(kind) {
		o.logger.Warn("soft error", "kind", kind, "error", cause)
	}
	return nil
}

// decodeAttributes parses the wire payload
// "<file-index> <type> <path>\0<attrs>\0<link>\0<exAttrs>\0<delta>\0"
// emitted by internal/backup's emitAttributes.
func decodeAttributes(payload []byte) (index int64, fileType fswalk.Type, path, attrs, link string, err error) {
	parts := strings.SplitN(string(payload), "\x00", 5)
	if len(parts) < 2 {
		return 0, 0, "", "", "", fmt.Errorf("restore: malformed attributes payload")
	}
	head := strings.SplitN(parts[0], " ", 3)
	if len(head) < 3 {
		return 0, 0, "", "", "", fmt.Errorf("restore: malformed attributes header %q", parts[0])
	}
	idx, err := strconv.ParseInt(head[0], 10, 64)
	if err != nil {
		return 0, 0, "", "", "", fmt.Errorf("restore: parsing file index: %w", err)
	}
	typeNum, err := strconv.Atoi(head[1])
	if err != nil {
		return 0, 0, "", "", "", fmt.Errorf("restore: parsing file type: %w", err)
	}
	path = head[2]
	if len(parts) > 1 {
		attrs = parts[1]
	}
	if len(parts) > 2 {
		link = parts[2]
	}
	return idx, fswalk.Type(typeNum), path, attrs, link, nil
}
