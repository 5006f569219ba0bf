//go:build !linux

package pagefile

import "github.com/cockroachdb/pebble/vfs"

// durableSync falls back to a full fsync on platforms without a
// data-only sync syscall exposed through golang.org/x/sys/unix.
func durableSync(f vfs.File) error {
	return f.Sync()
}
