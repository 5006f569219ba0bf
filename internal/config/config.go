// Package config holds the engine's recognized options (spec §6). No
// flag, environment, or file parsing happens here — loading config from
// the outside world is an external collaborator's job; this package only
// validates and defaults the struct the embedder already built.
package config

import (
	"log/slog"
	"time"

	"github.com/dbcore/pagestore/internal/dberrors"
)

// SyncMode controls when a commit's WAL fsync actually happens.
type SyncMode int

const (
	// SyncAlways fsyncs after every commit's COMMIT record.
	SyncAlways SyncMode = iota
	// SyncGroup batches commits within GroupCommitWindow into one fsync.
	SyncGroup
	// SyncNoneForTests never fsyncs; only for deterministic, fast tests.
	SyncNoneForTests
)

// DefaultSizeClasses is the default page-size ladder (spec §6).
var DefaultSizeClasses = []int{64, 256, 1024, 4096, 16384, 65536}

// Config is the engine's full set of recognized options.
type Config struct {
	// DataDir is required: the directory holding the data file(s), WAL
	// segments, and metadata file.
	DataDir string

	// PageSizeClasses are the supported page byte lengths, ascending.
	PageSizeClasses []int

	// CachePages bounds the page cache size, in pages of the largest
	// class. Zero means "size to ~64MiB of the largest class".
	CachePages int

	// CompressionThreshold is the uncompressed slot length (bytes) above
	// which the page codec compresses the slot payload. Zero disables
	// compression entirely.
	CompressionThreshold int

	// GroupCommitWindow bounds how long a commit waits for siblings
	// before its fsync fires, when SyncMode is SyncGroup.
	GroupCommitWindow time.Duration

	// WALSegmentSize is the soft cap (bytes) before the WAL rotates to a
	// new segment.
	WALSegmentSize int64

	// CheckpointInterval is how many bytes of WAL accumulate before a
	// background checkpoint is triggered.
	CheckpointInterval int64

	SyncMode SyncMode

	// SentryDSN, if non-empty, routes FatalInvariant/Corruption reports
	// to Sentry via internal/dberrors.Reporter. Empty disables reporting.
	SentryDSN string

	// MaxInlineFraction is the fraction of the node page size above
	// which a value is pushed to an overflow chain instead of being
	// stored inline (spec §3: "1/4 of the page payload"). Keys are always
	// stored inline; they are never moved to an overflow chain.
	MaxInlineFraction float64

	// Logger receives structured diagnostics (open/close, recovery replay
	// progress, checkpoint boundaries). Nil defaults to
	// slog.Default() (spec §10.2).
	Logger *slog.Logger
}

// EffectiveLogger returns c.Logger, or slog.Default() if unset.
func (c *Config) EffectiveLogger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Default returns a Config with every option at its spec §6 default,
// except DataDir which the caller must still set, and
// CompressionThreshold, which is 32 so that it stays below the smallest
// default size class (64), as Validate requires.
func Default() Config {
	return Config{
		PageSizeClasses:      append([]int(nil), DefaultSizeClasses...),
		CachePages:           0,
		CompressionThreshold: 32,
		GroupCommitWindow:    200 * time.Microsecond,
		WALSegmentSize:       64 << 20,
		CheckpointInterval:   8 << 20,
		SyncMode:             SyncGroup,
		MaxInlineFraction:    0.25,
	}
}

// Validate rejects option combinations that can never produce a working
// engine. It never touches disk.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: data_dir is required")
	}
	if len(c.PageSizeClasses) == 0 {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: page_size_classes must be non-empty")
	}
	for i := 1; i < len(c.PageSizeClasses); i++ {
		if c.PageSizeClasses[i] <= c.PageSizeClasses[i-1] {
			return dberrors.Newf(dberrors.ErrInvalidConfig, "config: page_size_classes must be strictly ascending")
		}
	}
	smallest := c.PageSizeClasses[0]
	if c.CompressionThreshold < 0 || (c.CompressionThreshold > 0 && c.CompressionThreshold >= smallest) {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: compression_threshold must be 0 or smaller than the smallest size class")
	}
	if c.MaxInlineFraction <= 0 || c.MaxInlineFraction >= 1 {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: max_inline_fraction must be in (0,1)")
	}
	if c.WALSegmentSize <= 0 {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: wal_segment_size must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return dberrors.Newf(dberrors.ErrInvalidConfig, "config: checkpoint_interval must be positive")
	}
	return nil
}

// LargestSizeClass returns the biggest supported page payload length.
func (c *Config) LargestSizeClass() int {
	return c.PageSizeClasses[len(c.PageSizeClasses)-1]
}

// EffectiveCachePages resolves CachePages == 0 into the "~64MiB of the
// largest class" default from spec §6.
func (c *Config) EffectiveCachePages() int {
	if c.CachePages > 0 {
		return c.CachePages
	}
	n := (64 << 20) / c.LargestSizeClass()
	if n < 16 {
		n = 16
	}
	return n
}
