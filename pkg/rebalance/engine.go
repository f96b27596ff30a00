package rebalance

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// DiskTable is the single shared mutable state in the Transfer Engine: the
// current in-memory disk-usage table, guarded by one mutex and mutated only
// at move-completion points (spec.md §5, §9).
type DiskTable struct {
	mu    sync.Mutex
	disks map[string]Disk
}

// NewDiskTable seeds a DiskTable from a disk snapshot.
func NewDiskTable(disks []Disk) *DiskTable {
	t := &DiskTable{disks: make(map[string]Disk, len(disks))}
	for _, d := range disks {
		t.disks[d.Name] = d
	}
	return t
}

// Get returns a copy of the current record for name.
func (t *DiskTable) Get(name string) (Disk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.disks[name]
	return d, ok
}

// Apply updates the in-memory table after a move completes successfully:
// used(src) -= size, used(dest) += size (spec.md §4.7 step 5).
func (t *DiskTable) Apply(m Move) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if src, ok := t.disks[m.SrcDisk]; ok {
		src.UsedBytes -= m.SizeBytes
		src.FreeBytes += m.SizeBytes
		t.disks[m.SrcDisk] = src
	}
	if dest, ok := t.disks[m.DestDisk]; ok {
		dest.UsedBytes += m.SizeBytes
		dest.FreeBytes -= m.SizeBytes
		t.disks[m.DestDisk] = dest
	}
}

// Snapshot returns every disk's current record.
func (t *DiskTable) Snapshot() []Disk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Disk, 0, len(t.disks))
	for _, d := range t.disks {
		out = append(out, d)
	}
	return out
}

// AsMap returns a plain map copy, e.g. for Validator pre-checks.
func (t *DiskTable) AsMap() map[string]Disk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Disk, len(t.disks))
	for k, v := range t.disks {
		out[k] = v
	}
	return out
}

// Retry policy constants (spec.md §4.6): exponential backoff starting at
// 2s, multiplier 2, capped at 60s, maximum 3 attempts per move.
const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 60 * time.Second
	retryMaxTries  = 3
)

// EngineProgress is the overall-progress snapshot emitted after every move
// (spec.md §4.7 step 6).
type EngineProgress struct {
	CompletedCount int
	FailedCount    int
	TotalMoves     int
	BytesMoved     int64
	Elapsed        time.Duration
	ETA            time.Duration
}

// MoveOutcome pairs a Move with its terminal result. RunPlan returns one per
// resumed orphan and one per planned move.
type MoveOutcome struct {
	Move    Move
	Status  TransferStatus
	Err     error
	Attempt int
}

// TransferInvoker is the subprocess-spawning seam the Transfer Engine calls
// through. *Invoker satisfies it against the real rsync binary; tests
// substitute a scripted fake to exercise retry and resume logic without
// spawning a real subprocess.
type TransferInvoker interface {
	Run(ctx context.Context, args []string, onProgress func(TransferProgress)) (Result, error)
}

// Engine orchestrates plan execution (C8, spec.md §4.7).
type Engine struct {
	Config    CoreConfig
	Table     *DiskTable
	Tracker   *Tracker
	Validator *Validator
	Invoker   TransferInvoker
	Metrics   *Metrics

	cancelled atomic.Bool
}

// NewEngine wires an Engine from a CoreConfig, disk table and tracker.
func NewEngine(cfg CoreConfig, table *DiskTable, tracker *Tracker, metrics *Metrics) *Engine {
	return &Engine{
		Config:    cfg,
		Table:     table,
		Tracker:   tracker,
		Validator: &Validator{Fs: afero.NewOsFs(), MountPrefix: cfg.MountPrefix, RsyncPath: cfg.RsyncPath},
		Invoker:   &Invoker{RsyncPath: cfg.RsyncPath},
		Metrics:   metrics,
	}
}

// Cancel stops new-move dispatch; in-flight subprocesses are allowed to
// finish on their own (spec.md §4.7 "Cancellation", §5).
func (e *Engine) Cancel() { e.cancelled.Store(true) }

// RunPlan sequences the plan's moves, holding move-in-flight state, driving
// retries, and updating disk accounting (C8, spec.md §4.7). Parallelism is
// bounded so no disk participates in more than one concurrent move
// (spec.md §5). onProgress, if non-nil, receives an EngineProgress snapshot
// after every move; onTransfer, if non-nil, receives TransferProgress
// updates from within a move.
func (e *Engine) RunPlan(ctx context.Context, plan Plan, onProgress func(EngineProgress), onTransfer func(TransferProgress)) ([]MoveOutcome, error) {
	resumed, err := e.ResumeOrphans(ctx, onTransfer)
	if err != nil {
		return nil, err
	}

	workerLimit := len(plan.Disks) / 2
	if workerLimit < 1 {
		workerLimit = 1
	}

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	busy := map[string]bool{}
	dispatched := make([]bool, len(plan.Moves))
	active := 0
	remaining := len(plan.Moves)

	outcomes := make([]MoveOutcome, len(plan.Moves))
	var completed, failed int
	var bytesMoved int64
	start := time.Now()

	mu.Lock()
	for remaining > 0 {
		progressedThisPass := false
		if !e.cancelled.Load() {
			for i := range plan.Moves {
				if dispatched[i] || active >= workerLimit {
					continue
				}
				mv := plan.Moves[i]
				if busy[mv.SrcDisk] || busy[mv.DestDisk] {
					continue
				}

				dispatched[i] = true
				busy[mv.SrcDisk] = true
				busy[mv.DestDisk] = true
				active++
				progressedThisPass = true

				idx := i
				go func() {
					outcome := e.executeWithRetry(ctx, mv, onTransfer)

					mu.Lock()
					outcomes[idx] = outcome
					delete(busy, mv.SrcDisk)
					if mv.SrcDisk != mv.DestDisk {
						delete(busy, mv.DestDisk)
					}
					active--
					remaining--
					if outcome.Status == StatusCompleted {
						completed++
						bytesMoved += mv.SizeBytes
					} else {
						failed++
					}
					e.Metrics.ObserveCompletion(mv, outcome.Status == StatusCompleted)
					e.Metrics.ObserveDiskTable(e.Table)
					if onProgress != nil {
						snap := EngineProgress{
							CompletedCount: completed, FailedCount: failed,
							TotalMoves: len(plan.Moves), BytesMoved: bytesMoved,
							Elapsed: time.Since(start),
						}
						mu.Unlock()
						onProgress(snap)
						mu.Lock()
					}
					cond.Broadcast()
					mu.Unlock()
				}()
			}
		}

		if remaining == 0 {
			break
		}
		if !progressedThisPass {
			if e.cancelled.Load() && active == 0 {
				break
			}
			cond.Wait()
		}
	}
	mu.Unlock()

	return append(resumed, outcomes...), nil
}

// ResumeOrphans implements the startup recovery procedure of spec.md §4.8
// points 1-3: every non-completed record is loaded, probed against the
// filesystem, and — when orphaned (its destination partly exists and no
// live operation owns it) — rerun. The external tool's atomic-move mode
// makes rerunning idempotent, since it skips bytes already transferred.
// liveOperations is always empty on a fresh process start, so every orphan
// found here was left behind by a previous crash (spec.md §8 scenario S6).
func (e *Engine) ResumeOrphans(ctx context.Context, onTransfer func(TransferProgress)) ([]MoveOutcome, error) {
	pending, err := e.Tracker.PendingRecords()
	if err != nil {
		return nil, err
	}

	var outcomes []MoveOutcome
	for _, rec := range pending {
		if !e.Tracker.IsOrphan(rec, nil) {
			continue
		}
		mv, ok := moveFromRecord(rec, e.Table)
		if !ok {
			logSink.Warn().Str("operation", rec.OperationID).Str("disk", rec.SrcDisk).
				Msg("orphaned record references a disk no longer in the table; skipping resume")
			continue
		}

		outcome := e.executeWithRetry(ctx, mv, onTransfer)
		outcomes = append(outcomes, outcome)
		e.Metrics.ObserveCompletion(mv, outcome.Status == StatusCompleted)

		if err := e.Tracker.Remove(rec.OperationID); err != nil {
			logSink.Warn().Err(err).Str("operation", rec.OperationID).
				Msg("stale orphan record could not be removed after resume attempt")
		}
	}
	return outcomes, nil
}

// moveFromRecord reconstructs the Move a persisted TransferRecord describes,
// deriving the AllocationUnit's (share, relative_path) identity from the
// record's absolute source path and the source disk's mount (the inverse of
// AllocationUnit.Path).
func moveFromRecord(rec TransferRecord, table *DiskTable) (Move, bool) {
	srcDisk, ok := table.Get(rec.SrcDisk)
	if !ok {
		return Move{}, false
	}
	rel, err := filepath.Rel(srcDisk.Mount, rec.SrcPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Move{}, false
	}

	share, relPath, _ := strings.Cut(rel, string(filepath.Separator))
	return Move{
		Unit: AllocationUnit{
			Share: share, RelPath: relPath,
			SourceDisk: rec.SrcDisk, SizeBytes: rec.SizeBytes,
		},
		SrcDisk:   rec.SrcDisk,
		DestDisk:  rec.DestDisk,
		SizeBytes: rec.SizeBytes,
	}, true
}

// executeWithRetry runs one move through pre-check, invocation, and
// post-check, retrying per the C7 retry policy when the classified failure
// is recoverable (spec.md §4.6, §4.7 step 5). A move that times out is
// special-cased per spec.md §5 "Timeouts": it gets exactly one retry,
// regardless of retryMaxTries.
func (e *Engine) executeWithRetry(ctx context.Context, m Move, onTransfer func(TransferProgress)) MoveOutcome {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= retryMaxTries; attempt++ {
		status, err := e.executeOnce(ctx, m, onTransfer)
		if status == StatusCompleted {
			return MoveOutcome{Move: m, Status: status, Attempt: attempt}
		}
		lastErr = err

		verdict := classifyErr(err)
		timedOut := errors.Is(err, context.DeadlineExceeded)
		exhausted := attempt == retryMaxTries || (timedOut && attempt >= 2)
		if !verdict.Recoverable || exhausted {
			return MoveOutcome{Move: m, Status: StatusFailed, Err: lastErr, Attempt: attempt}
		}

		select {
		case <-ctx.Done():
			return MoveOutcome{Move: m, Status: StatusAborted, Err: ctx.Err(), Attempt: attempt}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return MoveOutcome{Move: m, Status: StatusFailed, Err: lastErr, Attempt: retryMaxTries}
}

// classifyErr extracts a Verdict from whatever error executeOnce returned.
// A per-move timeout is classified transient and recoverable regardless of
// the external tool's exit code (spec.md §5: "the error is classified as
// transient and retried once"); transfer errors defer to Classify; anything
// else (validation errors) is non-recoverable.
func classifyErr(err error) Verdict {
	if errors.Is(err, context.DeadlineExceeded) {
		return Verdict{
			Severity: SeverityMedium, Recoverable: true, Category: CategoryTransient,
			Hint: "move exceeded its per-move timeout and was terminated; retried once",
		}
	}
	if te, ok := err.(*TransferError); ok {
		return Classify(te.ExitCode, te.Stderr)
	}
	return Verdict{Recoverable: false}
}

// executeOnce runs pre-check, invocation, and post-check exactly once
// (spec.md §4.7 steps 2-5).
func (e *Engine) executeOnce(ctx context.Context, m Move, onTransfer func(TransferProgress)) (TransferStatus, error) {
	disks := e.Table.AsMap()
	srcDisk, _ := disks[m.SrcDisk]
	destDisk, _ := disks[m.DestDisk]
	srcPath := m.Unit.Path(srcDisk.Mount)
	destPath := m.Unit.Path(destDisk.Mount)

	opID := NewOperationID()
	rec := TransferRecord{
		OperationID: opID, SrcPath: srcPath, DestPath: destPath,
		SrcDisk: m.SrcDisk, DestDisk: m.DestDisk, SizeBytes: m.SizeBytes,
		Timestamp: time.Now().UTC(), Status: StatusStarted,
	}
	if err := e.Tracker.Write(rec); err != nil {
		return StatusFailed, err
	}

	if err := e.Validator.PreCheck(m, disks, srcPath, destPath); err != nil {
		rec.Status = StatusFailed
		_ = e.Tracker.Write(rec)
		return StatusFailed, err
	}

	moveCtx := ctx
	var cancel context.CancelFunc
	if e.Config.PerMoveTimeout > 0 {
		moveCtx, cancel = context.WithTimeout(ctx, e.Config.PerMoveTimeout)
		defer cancel()
	}

	var preHash string
	if e.Config.Profile == ProfileIntegrity {
		preHash, _ = e.Validator.TreeChecksum(srcPath)
	}

	args := BuildArgs(e.Config, srcPath, destPath)
	result, err := e.Invoker.Run(moveCtx, args, onTransfer)
	if err != nil {
		rec.Status = StatusFailed
		_ = e.Tracker.Write(rec)
		return StatusFailed, err
	}

	if result.ExitCode != 0 {
		rec.Status = StatusFailed
		_ = e.Tracker.Write(rec)
		return StatusFailed, &TransferError{Move: m, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	pruneEmptySourceDirs(e.Validator.Fs, srcPath)

	integrityOK := true
	if e.Config.Profile == ProfileIntegrity {
		postHash, hashErr := e.Validator.TreeChecksum(destPath)
		integrityOK = hashErr == nil && preHash != "" && postHash == preHash
	}
	if err := e.Validator.PostCheck(m, destPath, srcPath, e.Config.Profile, integrityOK, false); err != nil {
		rec.Status = StatusFailed
		_ = e.Tracker.Write(rec)
		return StatusFailed, err
	}

	e.Table.Apply(m)
	rec.Status = StatusCompleted
	if err := e.Tracker.Write(rec); err != nil {
		return StatusFailed, err
	}
	if err := e.Tracker.Remove(opID); err != nil {
		logSink.Warn().Err(err).Str("operation", opID).Msg("completed record could not be removed immediately; will be purged by retention")
	}

	return StatusCompleted, nil
}

// pruneEmptySourceDirs removes now-empty directories left behind after
// rsync's --remove-source-files deletes every file but not their parent
// directories, realizing atomic-move mode's directory cleanup
// (SPEC_FULL.md §4 "External-Tool Invoker").
func pruneEmptySourceDirs(fs afero.Fs, root string) {
	_ = removeEmptyDirsBottomUp(fs, root)
}

func removeEmptyDirsBottomUp(fs afero.Fs, root string) error {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = removeEmptyDirsBottomUp(fs, filepath.Join(root, e.Name()))
		}
	}
	entries, err = afero.ReadDir(fs, root)
	if err == nil && len(entries) == 0 {
		return fs.Remove(root)
	}
	return nil
}
