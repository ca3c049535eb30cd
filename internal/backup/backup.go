// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backup implements the per-job backup orchestrator: walking the
// fileset, classifying each entry, and emitting the ordered
// attribute/content/auxiliary record sequence the Storage Daemon expects
// (spec.md §4.4).
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/nishisan-dev/nbackup-filed/internal/accurate"
	"github.com/nishisan-dev/nbackup-filed/internal/changestore"
	"github.com/nishisan-dev/nbackup-filed/internal/fswalk"
	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
	"github.com/nishisan-dev/nbackup-filed/internal/platattr"
	"github.com/nishisan-dev/nbackup-filed/internal/protocol"
	"github.com/nishisan-dev/nbackup-filed/internal/session"
	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

// Options configures one job's transform chain, sourced from the fileset's
// option blocks (spec.md §4.7) and the client-resource PKI configuration.
type Options struct {
	ContentDigest transform.DigestAlgo
	SignDigest    transform.DigestAlgo

	Compress     transform.CompressionAlgo
	CompressLevel int

	Sparse bool

	// CompareFields selects which stat fields the accurate-mode change
	// check compares, decoded from the fileset's BaseJobOpts (Full level)
	// or AccurateOpts (every other level) option string (spec.md §4.3).
	CompareFields accurate.CompareFields

	Encrypt    bool
	Recipients []*openpgp.Entity

	Sign   bool
	Signer *openpgp.Entity

	GatherACL    bool
	GatherXattr  bool

	StripComponents int

	BlockSize int
}

// Summary is the job-wide result the orchestrator hands back to the
// session state machine for its EndJob report.
type Summary struct {
	Counters *joberror.Counters
}

// Run walks every entry walker yields, classifies it, and emits its
// records to jctx.SDWriter, in the strict order spec.md §4.4 requires.
// Grounded on the teacher's RunBackup (internal/agent/backup.go):
// context-first signature, a per-job *slog.Logger tagged with .With(...),
// and soft-error accumulation that never aborts the whole job.
func Run(ctx context.Context, jctx *session.Context, walker *fswalk.Walker, gatherer platattr.Gatherer, opts Options, logger *slog.Logger) (Summary, error) {
	logger = logger.With("job", jctx.JobID)

	o := &orchestrator{
		ctx:      ctx,
		jctx:     jctx,
		sd:       jctx.SDWriter,
		opts:     opts,
		gatherer: gatherer,
		logger:   logger,
		counters:    jctx.Counters,
		linkDigests: make(map[[2]uint64][]byte),
		compressWS:  transform.NewCompressWorkspace(),
	}

	err := walker.Walk(ctx, o.handleEntry)
	if err != nil {
		return Summary{Counters: o.counters}, fmt.Errorf("backup: %w", err)
	}

	if err := o.emitChangeStoreSummary(); err != nil {
		return Summary{Counters: o.counters}, fmt.Errorf("backup: emitting accurate summary: %w", err)
	}

	if err := o.sd.SendEndOfSession(); err != nil {
		return Summary{Counters: o.counters}, fmt.Errorf("backup: signaling end of session: %w", err)
	}

	return Summary{Counters: o.counters}, nil
}

type orchestrator struct {
	ctx      context.Context
	jctx     *session.Context
	sd       *protocol.Writer
	opts     Options
	gatherer platattr.Gatherer
	logger   *slog.Logger
	counters *joberror.Counters

	fileIndex int64

	sessionKeySent bool
	sessionKey     transform.SessionKey

	// linkDigests remembers the content digest of the first copy of a
	// hard-linked file, keyed by (dev, ino), so a later TypeLinkSaved entry
	// can re-emit it without re-reading the file (spec.md §4.4 step 12).
	linkDigests map[[2]uint64][]byte

	// compressWS is this job's reusable gzip workspace (spec.md §4.2 stage
	// 3: allocated once per job, reset per file rather than reallocated).
	compressWS *transform.CompressWorkspace
}

// handleEntry is the fswalk.Walker callback: one call per classified path.
func (o *orchestrator) handleEntry(e fswalk.Entry) error {
	select {
	case <-o.ctx.Done():
		return o.ctx.Err()
	default:
	}

	switch e.Type {
	case fswalk.TypeSocket:
		return nil // always skipped, per spec.md §4.4 step 1
	case fswalk.TypeNoAccess, fswalk.TypeNoStat, fswalk.TypeNoOpen:
		return o.softError("open", fmt.Errorf("%s: %s", e.Type, e.Path))
	}

	path := o.stripPath(e.Path)

	if o.jctx.ChangeStore != nil && e.Type.HasContent() {
		decision, _, err := o.checkAccurate(e, path)
		if err != nil {
			return o.softError("accurate", err)
		}
		if decision == accurate.DecisionSeen {
			return nil
		}
	}

	o.fileIndex++
	index := o.fileIndex

	digests, err := o.newDigestsIfNeeded(e)
	if err != nil {
		return o.fatal("digest", err)
	}

	if err := o.emitAttributes(index, e, path); err != nil {
		return o.fatal("attributes", err)
	}

	if o.opts.Encrypt && !o.sessionKeySent {
		if err := o.emitSessionKey(index); err != nil {
			return o.fatal("session-key", err)
		}
	}

	if e.Type.HasContent() && digests != nil {
		if err := o.streamContent(index, e, digests); err != nil {
			return o.fatal("content", err)
		}
	}

	if runtime.GOOS == "darwin" && e.Type == fswalk.TypeRegular {
		if err := o.emitMacForkAndFinderInfo(index, e); err != nil {
			o.softError("mac-fork", err)
		}
	}

	if o.opts.GatherACL {
		if err := o.emitACL(index, path); err != nil {
			o.softError("acl", err)
		}
	}
	if o.opts.GatherXattr {
		if err := o.emitXattr(index, path); err != nil {
			o.softError("xattr", err)
		}
	}

	if digests != nil {
		if o.opts.Sign {
			if err := o.emitSignedDigest(index, digests); err != nil {
				return o.fatal("sign", err)
			}
		}
		if err := o.emitContentDigest(index, digests, e); err != nil {
			return o.fatal("digest", err)
		}
	}

	if e.Type == fswalk.TypeLinkSaved {
		if digest, ok := o.linkDigests[[2]uint64{e.Dev, e.Ino}]; ok {
			if err := o.sd.SendRecord(index, o.opts.ContentDigest.StreamType(), digest); err != nil {
				return o.fatal("link-digest", err)
			}
		}
	}

	o.counters.FilesExamined++
	o.counters.FilesSent++
	return nil
}

// stripPath removes opts.StripComponents leading path components, failing
// atomically (returning the original path) if there are not enough to
// remove — spec.md §4.4 step 2 requires the strip either succeed in full
// or not be applied at all.
func (o *orchestrator) stripPath(path string) string {
	if o.opts.StripComponents <= 0 {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) <= o.opts.StripComponents {
		return path
	}
	return strings.Join(parts[o.opts.StripComponents:], "/")
}

func (o *orchestrator) checkAccurate(e fswalk.Entry, path string) (accurate.Decision, *changestore.Entry, error) {
	return accurate.CheckFile(o.jctx.ChangeStore, path, o.opts.CompareFields, fingerprintOf(e), "")
}

// fingerprintOf builds the accurate-mode fingerprint of e: inode, nlink,
// size, mtime and permissions from fswalk.Entry, plus UID/GID from
// syscall.Stat_t. ATime and CTime are not filled in and stay zero.
func fingerprintOf(e fswalk.Entry) accurate.Fingerprint {
	f := accurate.Fingerprint{
		Inode:       e.Ino,
		Nlink:       uint32(e.Nlink),
		Size:        e.Info.Size(),
		MTime:       e.Info.ModTime().Unix(),
		Permissions: uint32(e.Info.Mode().Perm()),
	}
	if sys, ok := e.Info.Sys().(*syscall.Stat_t); ok {
		f.UID = sys.Uid
		f.GID = sys.Gid
	}
	return f
}

func (o *orchestrator) newDigestsIfNeeded(e fswalk.Entry) (*transform.DigestSet, error) {
	if !e.Type.HasContent() {
		return nil, nil
	}
	return transform.NewDigestSet(o.opts.ContentDigest, o.opts.SignDigest)
}

// emitAttributes sends the unix-attributes record. The payload format
// "<file-index> <type> <path>\0<attrs>\0<link>\0<exAttrs>\0<delta>\0" is
// fixed by the wire-compatibility contract (spec.md §6).
func (o *orchestrator) emitAttributes(index int64, e fswalk.Entry, path string) error {
	attrs := accurate.EncodeLstat(fingerprintOf(e))
	payload := fmt.Sprintf("%d %d %s\x00%s\x00%s\x00\x00\x00", index, int(e.Type), path, attrs, e.LinkTarget)
	return o.sd.SendRecord(index, protocol.StreamUnixAttributes, []byte(payload))
}

func (o *orchestrator) emitSessionKey(index int64) error {
	key, err := transform.NewSessionKey()
	if err != nil {
		return err
	}
	sealed, err := transform.SealSessionKey(key, o.opts.Recipients)
	if err != nil {
		return err
	}
	if err := o.sd.SendRecord(index, protocol.StreamEncryptedSessionData, sealed); err != nil {
		return err
	}
	o.sessionKey = key
	o.sessionKeySent = true
	return nil
}

// streamContent opens e.Path, runs the read→sparse→compress→encrypt→digest
// transform chain block by block, and emits the resulting data records,
// per spec.md §4.2/§4.4 step 7.
func (o *orchestrator) streamContent(index int64, e fswalk.Entry, digests *transform.DigestSet) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return o.softError("read", err)
	}
	defer f.Close()

	sparse := &transform.SparseFilter{Enabled: o.opts.Sparse}
	blockSize := o.opts.BlockSize
	if blockSize <= 0 {
		blockSize = transform.DefaultBlockSize
	}

	var cipherStream *transform.CipherStream
	if o.opts.Encrypt {
		cipherStream, err = transform.NewCipherStream(o.sessionKey, blockSize)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, blockSize)
	var offset int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			block := buf[:n]
			digests.Write(block)

			// os.File.Read reports io.EOF only on a later zero-byte read, so a
			// regular file's last block is recognised by its size instead.
			terminal := readErr == io.EOF ||
				(e.Info.Mode().IsRegular() && offset+int64(n) >= e.Info.Size())
			sparseBlock, suppressed := sparse.Filter(block, terminal, offset)
			offset += int64(n)
			if suppressed {
				continue
			}

			if err := o.emitDataBlock(index, sparseBlock, cipherStream); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return o.softError("read", readErr)
		}
	}

	if cipherStream != nil {
		final, err := cipherStream.Finalize()
		if err != nil {
			return err
		}
		if final != nil {
			streamType := protocol.StreamEncryptedFileData
			if o.opts.Compress != transform.CompressNone {
				streamType = protocol.StreamEncryptedCompressedData
			}
			if err := o.sd.SendRecord(index, streamType, final); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitDataBlock prepends the sparse address prefix (if sparse mode is on),
// compresses, then encrypts the block, in that fixed order (spec.md §4.2),
// and writes the result with the stream type matching the active transform
// combination.
func (o *orchestrator) emitDataBlock(index int64, block *transform.SparseBlock, cipherStream *transform.CipherStream) error {
	payload := block.Data
	if o.opts.Sparse {
		payload = transform.EncodeSparseBlock(block)
	}

	if o.opts.Compress != transform.CompressNone {
		compressed, err := o.compressWS.CompressBlock(o.opts.Compress, o.opts.CompressLevel, payload)
		if err != nil {
			return err
		}
		payload = compressed
	}

	if cipherStream != nil {
		framed, err := cipherStream.Feed(payload)
		if err != nil {
			return err
		}
		for _, f := range framed {
			if err := o.sd.SendRecord(index, o.encryptedStreamType(), f); err != nil {
				return err
			}
		}
		return nil
	}

	return o.sd.SendRecord(index, o.plainStreamType(), payload)
}

func (o *orchestrator) plainStreamType() protocol.StreamType {
	switch {
	case o.opts.Sparse && o.opts.Compress != transform.CompressNone:
		return protocol.StreamSparseCompressedData
	case o.opts.Sparse:
		return protocol.StreamSparseData
	case o.opts.Compress == transform.CompressGZIP:
		return protocol.StreamGzipData
	case o.opts.Compress != transform.CompressNone:
		return protocol.StreamCompressedData
	default:
		return protocol.StreamFileData
	}
}

func (o *orchestrator) encryptedStreamType() protocol.StreamType {
	if o.opts.Compress != transform.CompressNone {
		return protocol.StreamEncryptedCompressedData
	}
	return protocol.StreamEncryptedFileData
}

func (o *orchestrator) emitMacForkAndFinderInfo(index int64, e fswalk.Entry) error {
	// Resource-fork/Finder-info gathering requires Darwin-specific syscalls
	// this repo's non-Darwin development and CI environment cannot exercise;
	// it always reports ErrUnsupported rather than emitting a stub record.
	return platattr.ErrUnsupported
}

func (o *orchestrator) emitACL(index int64, path string) error {
	payload, err := o.gatherer.ACL(path)
	if err != nil {
		return err
	}
	return o.sd.SendRecord(index, protocol.StreamACLFamilyStart, payload)
}

func (o *orchestrator) emitXattr(index int64, path string) error {
	xattrs, err := o.gatherer.Xattrs(path)
	if err != nil {
		return err
	}
	for _, x := range xattrs {
		payload := []byte(x.Name + "\x00" + string(x.Value))
		if err := o.sd.SendRecord(index, protocol.StreamXattrFamilyStart, payload); err != nil {
			return err
		}
	}
	return nil
}

func (o *orchestrator) emitSignedDigest(index int64, digests *transform.DigestSet) error {
	sig, err := transform.Sign(o.opts.Signer, o.opts.SignDigest, digests.SignHash())
	if err != nil {
		return err
	}
	return o.sd.SendRecord(index, protocol.StreamSignedDigest, sig)
}

func (o *orchestrator) emitContentDigest(index int64, digests *transform.DigestSet, e fswalk.Entry) error {
	sum := digests.ContentSum()
	if err := o.sd.SendRecord(index, o.opts.ContentDigest.StreamType(), sum); err != nil {
		return err
	}
	if e.Nlink > 1 {
		o.linkDigests[[2]uint64{e.Dev, e.Ino}] = sum
	}
	return nil
}

// emitChangeStoreSummary emits the job-end accurate-mode summary spec.md
// §4.3 requires: at Full level, one attributes-only "base file" record for
// every entry that matched exactly and was marked seen (the base-job
// optimization so a later Differential/Incremental can reference this
// Full rather than re-reading unchanged content); at every other level,
// one attributes-only "deleted" record for every entry that was never
// seen this job.
func (o *orchestrator) emitChangeStoreSummary() error {
	if o.jctx.ChangeStore == nil {
		return nil
	}
	if strings.EqualFold(o.jctx.Level, "full") {
		return o.jctx.ChangeStore.IterAllSeen(func(entry *changestore.Entry) error {
			o.fileIndex++
			payload := fmt.Sprintf("%d %d %s\x00base\x00\x00\x00\x00", o.fileIndex, int(fswalk.TypeBase), entry.Path)
			return o.sd.SendRecord(o.fileIndex, protocol.StreamUnixAttributes, []byte(payload))
		})
	}
	return o.jctx.ChangeStore.IterUnseen(func(entry *changestore.Entry) error {
		o.fileIndex++
		payload := fmt.Sprintf("%d %d %s\x00deleted\x00\x00\x00\x00", o.fileIndex, int(fswalk.TypeDeleted), entry.Path)
		return o.sd.SendRecord(o.fileIndex, protocol.StreamUnixAttributes, []byte(payload))
	})
}

func (o *orchestrator) softError(kind string, cause error) error {
	wrapped := joberror.New(joberror.Soft, kind, cause)
	if o.counters.ShouldLog(kind) {
		o.logger.Warn("soft error", "error", wrapped)
	}
	return nil
}

func (o *orchestrator) fatal(kind string, cause error) error {
	o.counters.RecordFatalPerFile()
	return joberror.New(joberror.FatalPerFile, kind, cause)
}
