//go:build linux

package pagefile

import (
	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/sys/unix"
)

// durableSync issues a data-only sync on Linux, skipping the metadata
// (mtime, size) sync that a full fsync also does. This is the same
// Fdatasync-over-Sync tradeoff embedded Go stores (bbolt, badger) take
// on their Linux fast path. Only a real disk-backed file has an fd to
// data-sync; an in-memory vfs.File falls back to its own Sync, which is
// a cheap no-op there anyway.
func durableSync(f vfs.File) error {
	fd := f.Fd()
	if fd == vfs.InvalidFd {
		return f.Sync()
	}
	if err := unix.Fdatasync(int(fd)); err != nil {
		return f.Sync()
	}
	return nil
}
