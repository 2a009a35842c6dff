// Package atomicio provides corruption-safe file persistence via the
// temp-file-then-rename pattern, with a retry-on-busy-rename backoff: on
// Windows, a rename can transiently fail with "access is denied"/"used by
// another process" while an antivirus scanner or a concurrent reader
// still holds the destination handle open.
package atomicio

import (
	"fmt"
	"io/fs"
	"os"
	"time"
)

// WriteFile writes data to filename atomically: it writes to a uniquely
// named temp file in the same directory, then renames it over filename. The
// temp name includes the process PID so two instances racing on the same
// state file never clobber each other's temp file.
func WriteFile(filename string, data []byte, perm fs.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp.%d", filename, os.Getpid())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("atomicio: write temp file: %w", err)
	}

	var renameErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		renameErr = os.Rename(tmp, filename)
		if renameErr == nil {
			return nil
		}
		if !isTransientRenameErr(renameErr) {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	os.Remove(tmp)
	return fmt.Errorf("atomicio: rename temp file into place: %w", renameErr)
}

// isTransientRenameErr reports whether err looks like a transient
// sharing-violation rather than a permanent failure. It classifies with
// os.IsPermission alone, without importing a platform-specific package:
// every permission error is treated as transient and retried, and any other
// error (missing directory, disk full) is permanent.
func isTransientRenameErr(err error) bool {
	if err == nil {
		return false
	}
	if os.IsPermission(err) {
		// On Windows a held file handle surfaces as permission-denied.
		return true
	}
	return false
}

// ReadFile reads filename's contents. It is a thin wrapper kept for symmetry
// with WriteFile and so callers never import os directly for state I/O.
func ReadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("atomicio: read file: %w", err)
	}
	return data, nil
}

// Exists reports whether filename exists and is a regular file.
func Exists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}
