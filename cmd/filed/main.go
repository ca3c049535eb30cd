// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command filed is the File Daemon: it listens for Director connections,
// authenticates them, and drives the backup/restore/verify session state
// machine for each (spec.md §4.6).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/nishisan-dev/nbackup-filed/internal/accurate"
	"github.com/nishisan-dev/nbackup-filed/internal/backup"
	"github.com/nishisan-dev/nbackup-filed/internal/config"
	"github.com/nishisan-dev/nbackup-filed/internal/fileset"
	"github.com/nishisan-dev/nbackup-filed/internal/fswalk"
	"github.com/nishisan-dev/nbackup-filed/internal/logging"
	"github.com/nishisan-dev/nbackup-filed/internal/pki"
	"github.com/nishisan-dev/nbackup-filed/internal/platattr"
	"github.com/nishisan-dev/nbackup-filed/internal/restore"
	"github.com/nishisan-dev/nbackup-filed/internal/session"
	"github.com/nishisan-dev/nbackup-filed/internal/throttle"
	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

func main() {
	clientConfigPath := flag.String("client-config", "/etc/nbackup-filed/client.yaml", "path to the File Daemon's own config file")
	directorConfigPath := flag.String("director-config", "/etc/nbackup-filed/directors.yaml", "path to the Director allowlist config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*clientConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading client config: %v\n", err)
		os.Exit(1)
	}
	directors, err := config.LoadDirectorSet(*directorConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading director config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, directors, logger); err != nil {
		logger.Error("filed error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, directors *config.DirectorSet, logger *slog.Logger) error {
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("configuring director-facing TLS: %w", err)
	}
	sdTLSCfg, err := pki.NewClientTLSConfig(cfg.StorageDaemon.TLS.CACert, cfg.StorageDaemon.TLS.Cert, cfg.StorageDaemon.TLS.Key)
	if err != nil {
		return fmt.Errorf("configuring storage-daemon-facing TLS: %w", err)
	}

	recipients, err := pki.LoadKeyring(cfg.PKI.RecipientKeyring)
	if err != nil {
		return fmt.Errorf("loading recipient keyring: %w", err)
	}
	trusted, err := pki.LoadKeyring(cfg.PKI.VerifyKeyring)
	if err != nil {
		return fmt.Errorf("loading trusted-signer keyring: %w", err)
	}

	var signer *openpgp.Entity
	if cfg.PKI.SigningKey != "" {
		signer, err = pki.LoadEncryptedPrivateSigningKey(cfg.PKI.SigningKey, []byte(cfg.PKI.SigningKeyPass))
		if err != nil {
			return fmt.Errorf("loading signing key: %w", err)
		}
	}

	deps := jobDeps{recipients: recipients, trusted: trusted, signer: signer, gatherer: platattr.New(), logger: logger}

	ln, err := tls.Listen("tcp", cfg.Client.Addresses[0], tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Client.Addresses[0], err)
	}
	defer ln.Close()
	logger.Info("filed listening", "address", cfg.Client.Addresses[0])

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Error("accept error", "error", err)
				continue
			}
		}

		sm := &session.StateMachine{
			Directors:     directors,
			Logger:        logger,
			SessionLogDir: cfg.Logging.SessionLogDir,
			RunBackup:     deps.runBackup,
			RunRestore:    deps.runRestore,
			DialStorage:   storageDialer(cfg, sdTLSCfg),
		}
		go func(conn net.Conn) {
			defer conn.Close()
			if err := sm.Run(ctx, conn); err != nil {
				logger.Warn("session ended with error", "error", err)
			}
		}(conn)
	}
}

// jobDeps carries the File-Daemon-wide key material and platform gatherer
// every job's backup/restore orchestrator needs, closed over by runBackup/
// runRestore so they satisfy session.BackupFunc/RestoreFunc's fixed
// signatures.
type jobDeps struct {
	recipients openpgp.EntityList
	trusted    openpgp.EntityList
	signer     *openpgp.Entity
	gatherer   platattr.Gatherer
	logger     *slog.Logger
}

// loggerFor prefers jctx's own per-job logger (set by the state machine
// when SessionLogDir is configured) over the daemon-wide fallback.
func (d jobDeps) loggerFor(jctx *session.Context) *slog.Logger {
	if jctx.Logger != nil {
		return jctx.Logger
	}
	return d.logger
}

// jobOptions resolves one job's backup transform posture from its fileset's
// first Include entry's O-line options. A Bareos fileset can vary options
// per include/exclude block; this rework resolves one job-wide posture from
// the first include block rather than re-deriving per-path options during
// the walk, an Open Question decided in DESIGN.md in favor of the simpler,
// still spec-compliant single-posture-per-job model.
func jobOptions(set *fileset.Set) fileset.Options {
	if set != nil && len(set.Include) > 0 {
		return set.Include[0].Options
	}
	return fileset.Options{}
}

// jobRoots collects the literal F-line paths from a fileset's include
// entries as fswalk.Walker roots, and its exclude entries' F-line paths as
// exclude patterns.
func jobRoots(set *fileset.Set) (roots, excludes []string) {
	if set == nil {
		return nil, nil
	}
	for _, e := range set.Include {
		roots = append(roots, e.Files...)
	}
	for _, e := range set.Exclude {
		excludes = append(excludes, e.Files...)
	}
	return roots, excludes
}

// compareFieldsFor decodes the accurate-mode field-comparison option
// string for this job's level: BaseJobOpts at Full level (spec.md §4.3's
// base-job posture), AccurateOpts otherwise.
func compareFieldsFor(level string, opts fileset.Options) accurate.CompareFields {
	if strings.EqualFold(level, "full") {
		return accurate.ParseCompareFields(opts.BaseJobOpts)
	}
	return accurate.ParseCompareFields(opts.AccurateOpts)
}

func (d jobDeps) runBackup(ctx context.Context, jctx *session.Context) (session.EndJobSummary, error) {
	opts := jobOptions(jctx.FileSet)
	roots, excludes := jobRoots(jctx.FileSet)
	walker := fswalk.NewWalker(roots, excludes)

	bopts := backup.Options{
		ContentDigest:   firstSet(opts.DigestAlgoSet, opts.DigestAlgo, transform.DigestSHA256),
		SignDigest:      transform.DigestSHA256,
		Compress:        firstCompressSet(opts.CompressAlgoSet, opts.CompressAlgo),
		CompressLevel:   opts.CompressLevel,
		Sparse:          opts.Sparse,
		Encrypt:         len(d.recipients) > 0,
		Recipients:      d.recipients,
		Sign:            d.signer != nil,
		Signer:          d.signer,
		GatherACL:       opts.ACL,
		GatherXattr:     opts.Xattrs,
		StripComponents: opts.StripPathCount,
		CompareFields:   compareFieldsFor(jctx.Level, opts),
	}

	summary, err := backup.Run(ctx, jctx, walker, d.gatherer, bopts, d.loggerFor(jctx))
	if err != nil {
		return session.EndJobSummary{}, err
	}
	return session.SummaryFromCounters(summary.Counters, termCodeFor(summary.Counters.Errors), 0, boolToInt(bopts.Encrypt)), nil
}

func (d jobDeps) runRestore(ctx context.Context, jctx *session.Context, verify bool) (session.EndJobSummary, error) {
	opts := jobOptions(jctx.FileSet)

	ropts := restore.Options{
		DestRoot:      "/",
		Keyring:       d.recipients,
		Trusted:       d.trusted,
		Compress:      firstCompressSet(opts.CompressAlgoSet, opts.CompressAlgo),
		ContentDigest: firstSet(opts.DigestAlgoSet, opts.DigestAlgo, transform.DigestSHA256),
		SignDigest:    transform.DigestSHA256,
		Verify:        verify,
	}

	summary, err := restore.Run(ctx, jctx, d.gatherer, ropts, d.loggerFor(jctx))
	if err != nil {
		return session.EndJobSummary{}, err
	}
	return session.SummaryFromCounters(summary.Counters, termCodeFor(summary.Counters.Errors), 0, boolToInt(len(d.recipients) > 0)), nil
}

func termCodeFor(errs int64) int {
	if errs > 0 {
		return session.TermErrors
	}
	return session.TermOK
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstSet(set bool, v, fallback transform.DigestAlgo) transform.DigestAlgo {
	if set {
		return v
	}
	return fallback
}

func firstCompressSet(set bool, v transform.CompressionAlgo) transform.CompressionAlgo {
	if set {
		return v
	}
	return transform.CompressNone
}

func storageDialer(cfg *config.ClientConfig, tlsCfg *tls.Config) session.DialStorageFunc {
	return func(ctx context.Context, jctx *session.Context) (net.Conn, error) {
		var d tls.Dialer
		d.Config = tlsCfg
		conn, err := d.DialContext(ctx, "tcp", cfg.StorageDaemon.Address)
		if err != nil {
			return nil, fmt.Errorf("dialing storage daemon: %w", err)
		}
		bps := throttle.BytesPerSec(jctx.Director.BandwidthLimitKBps)
		return throttle.NewConn(ctx, conn, bps), nil
	}
}
