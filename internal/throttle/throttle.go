// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle bounds a Storage-Daemon connection's write rate to the
// per-Director limit spec.md §6 names (DirectorResource.BandwidthLimitKBps).
package throttle

import (
	"context"
	"io"
	"net"

	"golang.org/x/time/rate"
)

// maxBurstSize bounds a single token reservation so one oversized write
// cannot block waiting for a burst larger than the limiter ever grants.
const maxBurstSize = 256 * 1024

// Writer is an io.Writer with token-bucket rate limiting.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter wraps w with a bytesPerSec rate limit. If bytesPerSec <= 0, w
// is returned unwrapped (no limit configured).
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	return &Writer{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), ctx: ctx}
}

func (tw *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return written, err
		}
		n, err := tw.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// Conn wraps a net.Conn so writes (backup content flowing to the Storage
// Daemon) are rate-limited while reads (Storage-Daemon responses, restore
// content flowing back) pass through unthrottled — only the outbound
// backup stream needs bounding per spec.md §6.
type Conn struct {
	net.Conn
	w io.Writer
}

// NewConn wraps conn with a bytesPerSec write limit. bytesPerSec <= 0
// disables throttling and returns conn unwrapped.
func NewConn(ctx context.Context, conn net.Conn, bytesPerSec int64) net.Conn {
	if bytesPerSec <= 0 {
		return conn
	}
	return &Conn{Conn: conn, w: NewWriter(ctx, conn, bytesPerSec)}
}

func (c *Conn) Write(p []byte) (int, error) { return c.w.Write(p) }

// BytesPerSec converts a kilobytes-per-second limit (as configured in
// DirectorResource.BandwidthLimitKBps) to the bytes-per-second rate.Limiter
// expects.
func BytesPerSec(kbps int) int64 {
	if kbps <= 0 {
		return 0
	}
	return int64(kbps) * 1024
}
