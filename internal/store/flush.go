package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"syscall"

	"github.com/lehigh-university-libraries/speedybat/internal/retry"
)

// IsLocked reports whether err is a transient lock conflict
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}

// TryFlush makes one attempt to write every row to disk. It fails with
// ErrLocked while another process holds the file.
func (s *Store) TryFlush() error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}

	ok, err := s.lock.TryLock()
	if err != nil {
		if isLockError(err) {
			return fmt.Errorf("%w: %w", ErrLocked, err)
		}
		return fmt.Errorf("failed to acquire annotations lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is held by another process", ErrLocked, s.path)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("Unable to release annotations lock", "path", s.path, "err", err)
		}
	}()

	sheet := s.sheet()
	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, sheet); err != nil {
		return fmt.Errorf("failed to encode annotations: %w", err)
	}

	if err := writeFileAtomic(s.path, buf.Bytes()); err != nil {
		if isLockError(err) {
			return fmt.Errorf("%w: %w", ErrLocked, err)
		}
		return err
	}

	s.diskHeader = slices.Clone(sheet.Header)
	s.flushes++
	slog.Debug("Annotations flushed", "path", s.path, "rows", len(sheet.Rows), "bytes", buf.Len())
	return nil
}

// FlushAll writes every row to disk, retrying lock conflicts per the store's
// retry policy. Failures are reported as ErrPersistenceFailed; the rows in
// memory are never altered by a failed flush.
func (s *Store) FlushAll(ctx context.Context) error {
	if err := retry.Do(ctx, s.opts.Retry, IsLocked, s.TryFlush); err != nil {
		slog.Error("Unable to save annotations", "path", s.path, "err", err)
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return nil
}

// RetryPolicy returns the policy FlushAll uses
func (s *Store) RetryPolicy() retry.Policy {
	return s.opts.Retry
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil && runtime.GOOS != "windows" {
		cleanup()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace annotations file: %w", err)
	}
	return nil
}

// isLockError recognizes the ways an OS reports a file held open by
// another program.
func isLockError(err error) bool {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) {
		return true
	}
	var errno syscall.Errno
	if runtime.GOOS == "windows" && errors.As(err, &errno) {
		// ERROR_SHARING_VIOLATION, ERROR_LOCK_VIOLATION
		return errno == 32 || errno == 33
	}
	return false
}
