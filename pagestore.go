// Package pagestore is the public façade over the paged storage core
// (spec §4.7): Open/Close, point get/put/delete, ordered scan, batches
// applied in order, and an explicit checkpoint call. Everything else
// lives under internal/ — this is the only supported entry point.
//
// Grounded on the teacher's narrow dbms/pager.Pager surface
// (Open/Close/ReadPage/WritePage hiding an LRU cache and a raw file),
// generalized into a full engine that additionally owns a WAL, a
// B-Tree, and crash recovery, with a single-writer commit queue
// modeled after vandersonmota-boteco's append-serialized datafile
// writer.
package pagestore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/tokenbucket"

	"github.com/dbcore/pagestore/internal/btree"
	"github.com/dbcore/pagestore/internal/cache"
	"github.com/dbcore/pagestore/internal/config"
	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/pagefile"
	"github.com/dbcore/pagestore/internal/recovery"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/wal"
	"github.com/dbcore/pagestore/internal/xmetrics"
)

// State is the engine's lifecycle state (spec §4.7).
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateRecovering
	StateOpen
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateRecovering:
		return "Recovering"
	case StateOpen:
		return "Open"
	case StateDraining:
		return "Draining"
	default:
		return "Closed"
	}
}

// commitQueueDepth bounds how many batches may be queued ahead of the
// single writer before new commits are rejected with ErrBusy (spec §5
// "writer pool, bounded, default 1").
const commitQueueDepth = 256

type commitRequest struct {
	ops  []Op
	done chan error
}

// Engine is one open database. The zero value is not usable; construct
// with Open. An Engine is safe for concurrent use from many goroutines.
type Engine struct {
	cfg config.Config

	fs    vfs.FS
	files *pagefile.Set
	meta  *pagefile.Metadata

	alloc *slab.Allocator
	codec *page.Codec
	cache *cache.Cache
	log   *wal.Writer
	tree  *btree.Tree

	metrics  *xmetrics.Registry
	reporter *dberrors.Reporter
	logger   *slog.Logger

	state     atomic.Int32
	commitCh  chan commitRequest
	closeOnce sync.Once
	wg        sync.WaitGroup

	checkpointMu      sync.Mutex
	checkpointTokens  *tokenbucket.TokenBucket
	lastCheckpointWAL uint64
	checkpointStopCh  chan struct{}
	poisoned          atomic.Bool
}

// Open brings up an engine against cfg.DataDir: opening the file set,
// loading metadata, replaying the WAL if the prior shutdown wasn't
// clean, and attaching the B-Tree to the recovered (or fresh) root.
func Open(cfg config.Config) (*Engine, error) {
	return OpenWithFS(cfg, vfs.Default)
}

// OpenWithFS is Open with an explicit vfs.FS, so tests can pass
// vfs.NewMem() to exercise crash/recovery scenarios without touching
// disk (spec §8 scenario 3/4).
func OpenWithFS(cfg config.Config, fs vfs.FS) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, fs: fs, metrics: xmetrics.New(), logger: cfg.EffectiveLogger()}
	e.state.Store(int32(StateOpening))
	e.logger.Info("pagestore: opening", "data_dir", cfg.DataDir)

	reporter, err := dberrors.NewReporter(cfg.SentryDSN)
	if err != nil {
		return nil, err
	}
	e.reporter = reporter

	files, err := pagefile.Open(fs, cfg.DataDir, cfg.PageSizeClasses)
	if err != nil {
		return nil, err
	}
	e.files = files
	e.meta = pagefile.OpenMetadata(fs, cfg.DataDir)
	e.alloc = slab.New(cfg.PageSizeClasses)
	e.codec = page.NewCodec(cfg.CompressionThreshold)

	e.state.Store(int32(StateRecovering))
	outcome, err := recovery.Run(fs, cfg.DataDir, e.meta, e.files, e.alloc, cfg.PageSizeClasses, cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}
	if outcome.ReplayedGroups > 0 {
		e.logger.Info("pagestore: replayed WAL groups during recovery",
			"groups", outcome.ReplayedGroups, "next_lsn", outcome.NextLSN, "root_page_id", outcome.RootPageID)
		for class := range cfg.PageSizeClasses {
			if err := e.files.SyncClass(class); err != nil {
				return nil, err
			}
		}
	} else {
		e.logger.Info("pagestore: clean shutdown, skipped WAL replay", "next_lsn", outcome.NextLSN)
	}

	e.log, err = wal.Open(fs, cfg.DataDir, cfg.WALSegmentSize, cfg.SyncMode, cfg.GroupCommitWindow, e.metrics)
	if err != nil {
		return nil, err
	}
	e.log.SetNextLSN(outcome.NextLSN)

	// checkpointTokens paces both flush_up_to's bulk page writes and the
	// background checkpoint loop off one shared bucket (spec §11.4), so a
	// manual Checkpoint call and the ticker never together burst past the
	// configured rate.
	e.checkpointTokens = &tokenbucket.TokenBucket{}
	e.checkpointTokens.Init(tokenbucket.TokensPerSecond(1<<30), tokenbucket.Tokens(1<<20))

	e.cache = cache.New(
		cfg.EffectiveCachePages(),
		cache.LoadFromSet(e.files, cfg.PageSizeClasses),
		cache.WriteToSet(e.files),
		e.checkpointTokens,
		e.metrics,
	)

	nodeClass := uint8(len(cfg.PageSizeClasses) - 2)
	if len(cfg.PageSizeClasses) < 2 {
		nodeClass = 0
	}
	overflowClass := uint8(len(cfg.PageSizeClasses) - 1)
	maxInline := int(float64(cfg.PageSizeClasses[nodeClass]) * cfg.MaxInlineFraction)

	treeOpts := btree.Options{
		Cache:         e.cache,
		Alloc:         e.alloc,
		Codec:         e.codec,
		WAL:           e.log,
		NodeClass:     nodeClass,
		NodeSize:      cfg.PageSizeClasses[nodeClass],
		OverflowClass: overflowClass,
		OverflowSize:  cfg.PageSizeClasses[overflowClass],
		MaxInlineLen:  maxInline,
	}
	e.tree, err = btree.Open(treeOpts, slab.PageID(outcome.RootPageID), !outcome.FreshDatabase)
	if err != nil {
		return nil, err
	}

	e.commitCh = make(chan commitRequest, commitQueueDepth)
	e.wg.Add(1)
	go e.commitLoop()

	e.lastCheckpointWAL = e.log.BytesAppended()
	e.checkpointStopCh = make(chan struct{})
	e.wg.Add(1)
	go e.checkpointLoop()

	e.state.Store(int32(StateOpen))
	e.logger.Info("pagestore: open", "data_dir", cfg.DataDir, "root_page_id", e.tree.RootID())
	return e, nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

// commitLoop is the engine's single writer: it drains commitCh and
// applies batches strictly in submission order, so WAL order equals
// commit order (spec §5).
func (e *Engine) commitLoop() {
	defer e.wg.Done()
	for req := range e.commitCh {
		err := e.applyBatch(req.ops)
		e.metrics.CommitQueue.Set(float64(len(e.commitCh)))
		req.done <- err
	}
}

// checkpointPollInterval is how often the background loop checks WAL
// growth against cfg.CheckpointInterval. It need not be tight: a missed
// poll just delays the next background checkpoint, never data safety.
const checkpointPollInterval = time.Second

// checkpointLoop watches WAL growth and triggers a background
// checkpoint once cfg.CheckpointInterval bytes have accumulated since
// the last one, pacing itself through the same token bucket a manual
// Checkpoint call uses (spec §4.7, §11.4).
func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(checkpointPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.checkpointStopCh:
			return
		case <-ticker.C:
			if e.State() != StateOpen {
				continue
			}
			if e.log.BytesAppended()-e.lastCheckpointWAL < uint64(e.cfg.CheckpointInterval) {
				continue
			}
			if err := e.Checkpoint(context.Background()); err != nil {
				e.logger.Error("pagestore: background checkpoint failed", "error", err)
			}
		}
	}
}

func (e *Engine) applyBatch(ops []Op) error {
	if e.poisoned.Load() {
		return dberrors.ErrCorruption
	}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpPut:
			err = e.tree.Insert(op.Key, op.Value)
		case OpDelete:
			err = e.tree.Delete(op.Key)
			if errors.Is(err, dberrors.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			if dberrors.IsCorruption(err) || dberrors.IsFatalInvariant(err) {
				e.poisoned.Store(true)
				e.logger.Error("pagestore: engine poisoned, refusing further writes", "error", err)
				e.reporter.ReportFatal(context.Background(), err)
			}
			return err
		}
	}
	return nil
}

// submit enqueues ops on the commit queue, rejecting immediately with
// ErrBusy if the queue is full, then blocks unconditionally for the
// result: once a batch is past the queue entry point it is
// non-cancellable (spec §5), so ctx governs only the caller's patience
// for queueing, not the commit itself.
func (e *Engine) submit(ctx context.Context, ops []Op) error {
	st := e.State()
	if st == StateClosed {
		return dberrors.ErrShuttingDown
	}
	if st != StateOpen && st != StateDraining {
		return dberrors.Newf(dberrors.ErrShuttingDown, "pagestore: engine not open (state=%s)", st)
	}
	req := commitRequest{ops: ops, done: make(chan error, 1)}
	select {
	case e.commitCh <- req:
		e.metrics.CommitQueue.Set(float64(len(e.commitCh)))
	case <-ctx.Done():
		return ctx.Err()
	default:
		return dberrors.ErrBusy
	}
	return <-req.done
}

// Get returns the current value for key, or (nil, false) if absent.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	defer func() { e.metrics.GetLatencySeconds.Observe(time.Since(start).Seconds()) }()

	v, err := e.tree.Get(key)
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// GetStrict is Get but reports absence as dberrors.ErrNotFound instead
// of an ok-bool, for callers that prefer the idiomatic error shape
// (spec §12 supplemented feature).
func (e *Engine) GetStrict(key []byte) ([]byte, error) {
	v, ok, err := e.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	return v, nil
}

// Put durably stores value under key once the returned error is nil.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	start := time.Now()
	defer func() { e.metrics.PutLatencySeconds.Observe(time.Since(start).Seconds()) }()
	return e.submit(ctx, []Op{{Kind: OpPut, Key: key, Value: value}})
}

// Delete removes key; deleting an absent key is a defined no-op.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	return e.submit(ctx, []Op{{Kind: OpDelete, Key: key}})
}

// Scan returns an iterator over [from, to) in ascending key order. It
// is not a snapshot: concurrent commits may or may not be visible at
// leaves not yet reached (spec §5 "read-committed, no snapshot
// isolation").
func (e *Engine) Scan(from, to []byte) (*btree.Iterator, error) {
	return e.tree.Scan(from, to)
}

// OpKind distinguishes the two batch operation kinds (spec §4.7).
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation within a Batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch accumulates ops for one Commit (spec §4.7 "batch(ops).commit()";
// spec §12 "Batch ops as a typed slice"). The ops are applied in order,
// each as its own WAL group; the batch as a whole is not atomic.
type Batch struct {
	e   *Engine
	ops []Op
}

// NewBatch starts an empty batch against e.
func (e *Engine) NewBatch() *Batch { return &Batch{e: e} }

func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	return b
}

func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
	return b
}

// Commit applies every accumulated op, in order, each as its own WAL
// group; all of them are durable once Commit returns nil. If an op
// fails, Commit returns its error: the ops before it stay applied and
// the ops after it are not applied.
func (b *Batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	return b.e.submit(ctx, b.ops)
}

// Checkpoint forces a durable checkpoint: it flushes dirty pages up to
// the current commit LSN, snapshots the allocator, writes a fresh
// metadata record, and truncates WAL segments fully covered by it.
// Valid in Open and Draining (spec §4.7).
func (e *Engine) Checkpoint(ctx context.Context) error {
	st := e.State()
	if st != StateOpen && st != StateDraining {
		return dberrors.Newf(dberrors.ErrShuttingDown, "pagestore: checkpoint requires Open or Draining (state=%s)", st)
	}
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	// Manual calls and the background loop share one rate limit (spec
	// §11.4), so back-to-back checkpoints never together burst past it.
	if err := e.checkpointTokens.WaitCtx(ctx, 1); err != nil {
		return err
	}

	lsn := e.log.FlushedLSN()
	if err := e.cache.FlushUpTo(ctx, lsn); err != nil {
		return err
	}
	for class := range e.cfg.PageSizeClasses {
		if err := e.files.SyncClass(class); err != nil {
			return err
		}
	}
	snap := slab.EncodeSnapshot(e.alloc.Snapshot())
	if err := e.meta.Write(pagefile.Record{
		CheckpointLSN: lsn,
		RootPageID:    uint64(e.tree.RootID()),
		AllocatorSnap: snap,
		CleanShutdown: false,
	}); err != nil {
		return err
	}
	e.metrics.CheckpointLSN.Set(float64(lsn))
	if err := e.log.TruncateBefore(lsn + 1); err != nil {
		return err
	}
	e.lastCheckpointWAL = e.log.BytesAppended()
	e.logger.Info("pagestore: checkpoint complete", "lsn", lsn, "root_page_id", e.tree.RootID())
	return nil
}

// Close drains the commit queue, forces a final checkpoint marked
// clean, and releases all underlying files. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.logger.Info("pagestore: closing", "data_dir", e.cfg.DataDir)
		e.state.Store(int32(StateDraining))
		close(e.commitCh)
		close(e.checkpointStopCh)
		e.wg.Wait()

		lsn := e.log.FlushedLSN()
		if err := e.cache.FlushUpTo(ctx, lsn); err != nil {
			closeErr = err
			return
		}
		for class := range e.cfg.PageSizeClasses {
			if err := e.files.SyncClass(class); err != nil {
				closeErr = err
				return
			}
		}
		snap := slab.EncodeSnapshot(e.alloc.Snapshot())
		if err := e.meta.Write(pagefile.Record{
			CheckpointLSN: lsn,
			RootPageID:    uint64(e.tree.RootID()),
			AllocatorSnap: snap,
			CleanShutdown: true,
		}); err != nil {
			closeErr = err
			return
		}
		if err := e.log.Close(); err != nil {
			closeErr = err
			return
		}
		closeErr = e.files.Close()
		e.state.Store(int32(StateClosed))
	})
	return closeErr
}

// Metrics exposes the engine's internal instrumentation registry for
// an embedder that wants to attach its own exporter (spec §10.2/§11.5).
func (e *Engine) Metrics() *xmetrics.Registry { return e.metrics }
