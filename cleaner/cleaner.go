// Package cleaner implements the cleanup pipeline (spec §4.4):
// fetch --all --prune, clean -fdx, reset --hard HEAD, shared by
// cleanup_before_allocation, cleanup_after_release and warmup; plus
// integrity verification, repair-by-reclone, bounded-parallel batches,
// and a long-lived background executor for fire-and-forget cleanup.
package cleaner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"

	"github.com/necrocode/repopool/core/log"
	"github.com/necrocode/repopool/gitops"
	"github.com/necrocode/repopool/lock"
	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/slotmodel"
)

const (
	defaultRecordsCapacity   = 500
	defaultBackgroundWorkers = 4
	backgroundLockTimeout    = 30 * time.Second
)

// bgTask tracks one cleanup_background submission.
type bgTask struct {
	mu        sync.Mutex
	done      chan struct{}
	result    *slotmodel.CleanupResult
	err       error
	started   bool
	cancelled bool
}

// Cleaner runs the cleanup pipeline and its batch/background variants.
type Cleaner struct {
	git     *gitops.Adapter
	backend gitops.Backend
	store   *metadatastore.Store
	lockMgr *lock.Manager

	recordsMu sync.Mutex
	records   []slotmodel.CleanupRecord

	bgPool  *workerpool.WorkerPool
	bgMu    sync.Mutex
	bgTasks map[string]*bgTask
}

// New returns a Cleaner. lockMgr may be nil if background cleanup need
// not re-acquire the slot lock (e.g. in tests); the background state
// recheck runs either way.
func New(git *gitops.Adapter, backend gitops.Backend, store *metadatastore.Store, lockMgr *lock.Manager) *Cleaner {
	return &Cleaner{
		git:     git,
		backend: backend,
		store:   store,
		lockMgr: lockMgr,
		bgPool:  workerpool.New(defaultBackgroundWorkers),
		bgTasks: make(map[string]*bgTask),
	}
}

// runPipeline executes fetch -> clean -> reset against dir, stopping at
// the first failing step.
func (c *Cleaner) runPipeline(dir string) (ops []string, errs []string) {
	if _, err := c.git.FetchAllPrune(dir); err != nil {
		return ops, append(errs, err.Error())
	}
	ops = append(ops, "fetch")

	if _, err := c.git.CleanForceUntracked(dir); err != nil {
		return ops, append(errs, err.Error())
	}
	ops = append(ops, "clean")

	if _, err := c.git.ResetHard(dir, "HEAD"); err != nil {
		return ops, append(errs, err.Error())
	}
	ops = append(ops, "reset")

	return ops, errs
}

// refreshObservedState updates current_branch/current_commit from the
// working tree after a successful pipeline run.
func (c *Cleaner) refreshObservedState(slot *slotmodel.Slot) {
	if branch, err := c.git.CurrentBranch(slot.SlotPath); err == nil {
		slot.CurrentBranch = branch
	}
	if commit, err := c.git.CurrentCommit(slot.SlotPath); err == nil {
		slot.CurrentCommit = commit
	}
}

func (c *Cleaner) appendRecord(result *slotmodel.CleanupResult) {
	rec := slotmodel.CleanupRecord{
		SlotID:              result.SlotID,
		OperationType:       result.Operation,
		Success:             result.Success,
		Duration:            result.Duration,
		OperationsPerformed: result.OperationsPerformed,
		Errors:              result.Errors,
		Timestamp:           time.Now(),
	}
	c.recordsMu.Lock()
	c.records = append(c.records, rec)
	if len(c.records) > defaultRecordsCapacity {
		c.records = c.records[len(c.records)-defaultRecordsCapacity:]
	}
	c.recordsMu.Unlock()
}

// runEntryPoint is shared by CleanupBeforeAllocation and CleanupAfterRelease:
// it flips the slot to CLEANING, runs the pipeline, and lands it on
// successState on success or StateError on failure.
func (c *Cleaner) runEntryPoint(slot *slotmodel.Slot, operation slotmodel.CleanupOperation, successState slotmodel.SlotState) (*slotmodel.CleanupResult, error) {
	start := time.Now()
	timer := log.StartTimer(string(operation))

	slot.State = slotmodel.StateCleaning
	if err := c.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	ops, errs := c.runPipeline(slot.SlotPath)
	success := len(errs) == 0

	if success {
		c.refreshObservedState(slot)
		slot.State = successState
	} else {
		slot.State = slotmodel.StateError
		log.ErrorWith("cleanup pipeline failed", "slot_id", slot.SlotID, "operation", operation, "errors", errs)
	}
	slot.UpdatedAt = time.Now()
	if err := c.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	result := &slotmodel.CleanupResult{
		Success:             success,
		SlotID:              slot.SlotID,
		Operation:           operation,
		Duration:            time.Since(start),
		OperationsPerformed: ops,
		Errors:              errs,
	}
	c.appendRecord(result)
	timer.LogElapsedWith("cleanup pipeline finished", "slot_id", slot.SlotID, "operation", operation, "success", success)
	return result, nil
}

// CleanupBeforeAllocation runs the pipeline, restoring the slot to its
// prior state (AVAILABLE, by the allocate_slot precondition) on
// success or ERROR on failure.
func (c *Cleaner) CleanupBeforeAllocation(slot *slotmodel.Slot) (*slotmodel.CleanupResult, error) {
	priorState := slot.State
	return c.runEntryPoint(slot, slotmodel.OpBeforeAllocation, priorState)
}

// CleanupAfterRelease runs the pipeline, landing the slot on AVAILABLE
// on success or ERROR on failure.
func (c *Cleaner) CleanupAfterRelease(slot *slotmodel.Slot) (*slotmodel.CleanupResult, error) {
	return c.runEntryPoint(slot, slotmodel.OpAfterRelease, slotmodel.StateAvailable)
}

// Warmup is legal only on an AVAILABLE slot: it fetches, verifies
// integrity, and refreshes observed branch/commit, without touching
// the working tree otherwise. Non-AVAILABLE slots get a failure
// result rather than an exception (spec §4.4).
func (c *Cleaner) Warmup(slot *slotmodel.Slot) (*slotmodel.CleanupResult, error) {
	start := time.Now()

	if slot.State != slotmodel.StateAvailable {
		result := &slotmodel.CleanupResult{
			Success:   false,
			SlotID:    slot.SlotID,
			Operation: slotmodel.OpWarmup,
			Duration:  time.Since(start),
			Errors:    []string{fmt.Sprintf("slot %s is not AVAILABLE (state=%s)", slot.SlotID, slot.State)},
		}
		c.appendRecord(result)
		return result, nil
	}

	var ops []string
	var errs []string

	if _, err := c.git.FetchAllPrune(slot.SlotPath); err != nil {
		errs = append(errs, err.Error())
	} else {
		ops = append(ops, "fetch")
		if !c.VerifySlotIntegrity(slot) {
			errs = append(errs, "integrity verification failed after warmup fetch")
		} else {
			ops = append(ops, "verify")
			c.refreshObservedState(slot)
			ops = append(ops, "metadata_refresh")
		}
	}

	success := len(errs) == 0
	slot.UpdatedAt = time.Now()
	if err := c.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	result := &slotmodel.CleanupResult{
		Success:             success,
		SlotID:              slot.SlotID,
		Operation:           slotmodel.OpWarmup,
		Duration:            time.Since(start),
		OperationsPerformed: ops,
		Errors:              errs,
	}
	c.appendRecord(result)
	return result, nil
}

// VerifySlotIntegrity checks, in order: the slot directory exists; a
// .git entry exists within it (a directory for a full clone, a file
// for a worktree); current_branch and current_commit both succeed;
// git status succeeds. Any failure returns false (spec §4.4).
func (c *Cleaner) VerifySlotIntegrity(slot *slotmodel.Slot) bool {
	info, err := os.Stat(slot.SlotPath)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(slot.SlotPath, ".git")); err != nil {
		return false
	}
	if _, err := c.git.CurrentBranch(slot.SlotPath); err != nil {
		return false
	}
	if _, err := c.git.CurrentCommit(slot.SlotPath); err != nil {
		return false
	}
	if _, err := c.git.IsCleanWorktree(slot.SlotPath); err != nil {
		return false
	}
	return true
}

// RepairSlot runs `git fsck --full`; on success it attempts a full
// cleanup pipeline and re-verifies. If any step still fails, it
// deletes the slot directory outright and re-clones/re-provisions from
// repo_url, restoring current_branch/current_commit/updated_at and
// setting state AVAILABLE. If re-provisioning fails, state stays
// ERROR. Every action attempted is reported (spec §4.4).
func (c *Cleaner) RepairSlot(slot *slotmodel.Slot) (*slotmodel.RepairResult, error) {
	result := &slotmodel.RepairResult{SlotID: slot.SlotID}

	_, fsckErr := c.git.Fsck(slot.SlotPath)
	result.ActionsTaken = append(result.ActionsTaken, "fsck")

	if fsckErr == nil {
		cr, err := c.runEntryPoint(slot, slotmodel.OpRepair, slotmodel.StateAvailable)
		result.ActionsTaken = append(result.ActionsTaken, "cleanup_pipeline")
		if err == nil && cr.Success && c.VerifySlotIntegrity(slot) {
			result.Success = true
			return result, nil
		}
		if cr != nil {
			result.Errors = append(result.Errors, cr.Errors...)
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	} else {
		result.Errors = append(result.Errors, fsckErr.Error())
	}

	repoName, index, ok := slotmodel.ParseSlotID(slot.SlotID)
	if !ok {
		result.Errors = append(result.Errors, "cannot parse slot_id for repair")
		slot.State = slotmodel.StateError
		_ = c.store.SaveSlot(slot)
		return result, nil
	}
	poolDir := c.store.PoolDir(repoName)

	if err := c.backend.TeardownSlot(poolDir, slot.SlotPath, index); err != nil {
		log.WarnWith("teardown before repair reclone failed, forcing directory removal", "slot_id", slot.SlotID, "error", err)
		_ = os.RemoveAll(slot.SlotPath)
	}
	result.ActionsTaken = append(result.ActionsTaken, "delete_slot_directory")

	branch, err := c.backend.ProvisionSlot(poolDir, slot.RepoURL, slot.SlotPath, index)
	result.ActionsTaken = append(result.ActionsTaken, "reclone")
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Success = false
		slot.State = slotmodel.StateError
		_ = c.store.SaveSlot(slot)
		return result, nil
	}

	commit, _ := c.git.CurrentCommit(slot.SlotPath)
	slot.CurrentBranch = branch
	slot.CurrentCommit = commit
	slot.UpdatedAt = time.Now()
	slot.State = slotmodel.StateAvailable
	if err := c.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	result.Recloned = true
	result.Success = true
	return result, nil
}

// GetCleanupLog returns recorded CleanupRecords, optionally filtered
// to one slot_id.
func (c *Cleaner) GetCleanupLog(slotID string) []slotmodel.CleanupRecord {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()

	if slotID == "" {
		out := make([]slotmodel.CleanupRecord, len(c.records))
		copy(out, c.records)
		return out
	}

	var out []slotmodel.CleanupRecord
	for _, r := range c.records {
		if r.SlotID == slotID {
			out = append(out, r)
		}
	}
	return out
}

// CleanupMany dispatches independent cleanup jobs for slots across a
// bounded worker pool (default min(16, len(slots))); each job's
// failure is contained and reported per-slot (spec §4.4).
func (c *Cleaner) CleanupMany(slots []*slotmodel.Slot, operation slotmodel.CleanupOperation, maxWorkers int) []*slotmodel.CleanupResult {
	if len(slots) == 0 {
		return nil
	}
	if maxWorkers <= 0 {
		maxWorkers = 16
		if len(slots) < maxWorkers {
			maxWorkers = len(slots)
		}
	}

	wp := workerpool.New(maxWorkers)
	results := make([]*slotmodel.CleanupResult, len(slots))

	for i, slot := range slots {
		i, slot := i, slot
		wp.Submit(func() {
			var res *slotmodel.CleanupResult
			var err error
			switch operation {
			case slotmodel.OpWarmup:
				res, err = c.Warmup(slot)
			case slotmodel.OpBeforeAllocation:
				res, err = c.CleanupBeforeAllocation(slot)
			default:
				res, err = c.CleanupAfterRelease(slot)
			}
			if err != nil {
				res = &slotmodel.CleanupResult{
					Success:   false,
					SlotID:    slot.SlotID,
					Operation: operation,
					Errors:    []string{err.Error()},
				}
			}
			results[i] = res
		})
	}
	wp.StopWait()
	return results
}

// CleanupSlotsParallel is a named convenience over CleanupMany for the
// after-release operation, mirroring the original Python's
// cleanup_slots_parallel.
func (c *Cleaner) CleanupSlotsParallel(slots []*slotmodel.Slot, maxWorkers int) []*slotmodel.CleanupResult {
	return c.CleanupMany(slots, slotmodel.OpAfterRelease, maxWorkers)
}

// WarmupSlotsParallel is a named convenience over CleanupMany for the
// warmup operation, mirroring the original Python's warmup_slots_parallel.
func (c *Cleaner) WarmupSlotsParallel(slots []*slotmodel.Slot, maxWorkers int) []*slotmodel.CleanupResult {
	return c.CleanupMany(slots, slotmodel.OpWarmup, maxWorkers)
}

// CleanupBackground submits a cleanup to the long-lived background
// executor and returns immediately with a task id. The worker
// re-acquires the slot lock (if a lock manager was supplied), reloads
// the slot and re-checks that it is still AVAILABLE before mutating
// it, so a task that
// finishes after the slot has been re-allocated is a safe no-op
// (spec §4.4's mandatory background-cleanup safety discipline).
func (c *Cleaner) CleanupBackground(slot *slotmodel.Slot, operation slotmodel.CleanupOperation, callback func(*slotmodel.CleanupResult, error)) string {
	taskID := uuid.New().String()
	task := &bgTask{done: make(chan struct{})}

	c.bgMu.Lock()
	c.bgTasks[taskID] = task
	c.bgMu.Unlock()

	slotID := slot.SlotID

	c.bgPool.Submit(func() {
		task.mu.Lock()
		if task.cancelled {
			task.mu.Unlock()
			close(task.done)
			return
		}
		task.started = true
		task.mu.Unlock()

		finish := func(res *slotmodel.CleanupResult, err error) {
			task.mu.Lock()
			task.result = res
			task.err = err
			task.mu.Unlock()
			close(task.done)
			if callback != nil {
				callback(res, err)
			}
		}

		if c.lockMgr != nil {
			handle, err := c.lockMgr.Acquire(slotID, backgroundLockTimeout)
			if err != nil {
				finish(nil, err)
				return
			}
			defer handle.Release()
		}

		fresh, err := c.store.LoadSlot(slotID)
		if err != nil {
			finish(nil, err)
			return
		}
		if fresh.State != slotmodel.StateAvailable {
			log.DebugWith("background cleanup skipped, slot state changed", "slot_id", slotID, "state", fresh.State)
			finish(&slotmodel.CleanupResult{
				SlotID:    slotID,
				Operation: operation,
				Success:   false,
				Errors:    []string{"slot state changed before background cleanup ran; skipped to preserve invariant 2"},
			}, nil)
			return
		}

		var res *slotmodel.CleanupResult
		var runErr error
		if operation == slotmodel.OpWarmup {
			res, runErr = c.Warmup(fresh)
		} else {
			res, runErr = c.CleanupAfterRelease(fresh)
		}
		finish(res, runErr)
	})

	return taskID
}

func (c *Cleaner) getTask(taskID string) (*bgTask, bool) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	t, ok := c.bgTasks[taskID]
	return t, ok
}

// IsDone reports whether a background task has finished (unknown task
// ids are reported done, since there is nothing left to wait for).
func (c *Cleaner) IsDone(taskID string) bool {
	t, ok := c.getTask(taskID)
	if !ok {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// AwaitResult blocks until a background task finishes or timeout
// elapses (timeout<=0 means wait indefinitely).
func (c *Cleaner) AwaitResult(taskID string, timeout time.Duration) (*slotmodel.CleanupResult, error) {
	t, ok := c.getTask(taskID)
	if !ok {
		return nil, fmt.Errorf("unknown background task: %s", taskID)
	}
	if timeout <= 0 {
		<-t.done
	} else {
		select {
		case <-t.done:
		case <-time.After(timeout):
			return nil, fmt.Errorf("timed out waiting for background task %s", taskID)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Cancel succeeds only if the task hasn't started running yet.
func (c *Cleaner) Cancel(taskID string) bool {
	t, ok := c.getTask(taskID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.cancelled = true
	return true
}

// ActiveTaskIDs lists background tasks that haven't finished yet.
func (c *Cleaner) ActiveTaskIDs() []string {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()

	var ids []string
	for id, t := range c.bgTasks {
		select {
		case <-t.done:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// AwaitAll blocks until every currently-active background task
// finishes or timeout elapses (timeout<=0 means wait indefinitely).
func (c *Cleaner) AwaitAll(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for _, id := range c.ActiveTaskIDs() {
		t, ok := c.getTask(id)
		if !ok {
			continue
		}
		if timeout <= 0 {
			<-t.done
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-t.done:
		case <-time.After(remaining):
			return false
		}
	}
	return true
}

// Shutdown stops the background executor, optionally waiting for
// queued tasks to drain.
func (c *Cleaner) Shutdown(wait bool) {
	if wait {
		c.bgPool.StopWait()
	} else {
		c.bgPool.Stop()
	}
}
