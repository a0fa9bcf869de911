// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package reposcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reposcape/reposcape/internal/clock"
)

// acquireLock takes an exclusive advisory lock on the file at path,
// creating parent directories and the lock file itself as needed. It
// polls with a short backoff rather than blocking indefinitely so
// that timeout and cancellation are both honored while a single
// syscall.Flock call would ignore both.
func acquireLock(ctx context.Context, clk clock.Clock, path string, timeout time.Duration) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newError(FilesystemError, "creating lock directory", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, newError(FilesystemError, "opening lock file", err)
	}

	deadline := clk.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	const maxBackoff = 200 * time.Millisecond

	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return file, nil
		}
		if err != syscall.EWOULDBLOCK {
			file.Close()
			return nil, newError(FilesystemError, "locking "+path, err)
		}

		if clk.Now().After(deadline) {
			file.Close()
			return nil, newError(LockTimeout, fmt.Sprintf("did not acquire lock on %s within %s", path, timeout), nil)
		}

		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-clk.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// releaseLock unlocks and closes a file obtained from acquireLock.
func releaseLock(file *os.File) {
	_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	_ = file.Close()
}
