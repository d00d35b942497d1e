// Package pool is the public façade (spec §4.6-4.7): it creates and
// destroys pools, adds and removes slots, coordinates the allocator,
// cleaner and lock manager on every allocate/release, answers status
// queries, and runs the anomaly-detection and auto-recovery sweeps.
package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/core/log"

	"github.com/necrocode/repopool/allocator"
	"github.com/necrocode/repopool/cleaner"
	"github.com/necrocode/repopool/gitops"
	"github.com/necrocode/repopool/lock"
	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/slotmodel"
)

// Config carries the tunables from spec §6's "Configuration options recognized".
type Config struct {
	DefaultNumSlots int
	LockTimeout     time.Duration
	CleanupTimeout  time.Duration
	StaleLockHours  int
	EnableMetrics   bool
}

// DefaultConfig mirrors sensible standalone defaults when no config
// package value is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultNumSlots: 2,
		LockTimeout:     30 * time.Second,
		CleanupTimeout:  300 * time.Second,
		StaleLockHours:  24,
		EnableMetrics:   true,
	}
}

// Manager is the process-scoped (by convention) pool manager façade.
// Multiple Managers over the same workspaces directory, even across
// OS processes, are supported: they coordinate purely through the
// filesystem and the advisory lock manager (spec §9 "Global state").
type Manager struct {
	store   *metadatastore.Store
	locks   *lock.Manager
	alloc   *allocator.Allocator
	clean   *cleaner.Cleaner
	backend gitops.Backend
	git     *gitops.Adapter
	cfg     Config
}

// NewManager wires the six components into one façade.
func NewManager(store *metadatastore.Store, locks *lock.Manager, alloc *allocator.Allocator, clean *cleaner.Cleaner, backend gitops.Backend, git *gitops.Adapter, cfg Config) *Manager {
	return &Manager{store: store, locks: locks, alloc: alloc, clean: clean, backend: backend, git: git, cfg: cfg}
}

// CreatePool refuses if the pool already exists, then for slot index
// 1..N provisions the backend's working tree, reads branch/commit, and
// persists slot.json. On any provisioning failure the whole call
// aborts with the partial state left on disk for inspection (spec
// §4.6's explicit "do not auto-delete partial pools" design choice).
func (m *Manager) CreatePool(repoName, repoURL string, numSlots int) (*slotmodel.Pool, error) {
	return m.createPool(repoName, repoURL, numSlots, slotmodel.DefaultCleanupOptions())
}

func (m *Manager) createPool(repoName, repoURL string, numSlots int, cleanupOpts slotmodel.CleanupOptions) (*slotmodel.Pool, error) {
	if !slotmodel.ValidRepoName(repoName) {
		return nil, fmt.Errorf("repo_name %q is ambiguous with the slot_id grammar (contains -slot<digits>)", repoName)
	}
	if m.store.PoolExists(repoName) {
		return nil, fmt.Errorf("pool %q already exists", repoName)
	}
	if numSlots < 1 {
		numSlots = m.cfg.DefaultNumSlots
	}

	poolDir := m.store.PoolDir(repoName)
	if err := m.backend.EnsureBase(poolDir, repoURL); err != nil {
		return nil, &ourerrors.SlotAllocationError{SlotID: repoName, Err: err}
	}

	now := time.Now()
	for i := 1; i <= numSlots; i++ {
		slotID := slotmodel.FormatSlotID(repoName, i)
		slotPath := m.store.SlotDir(repoName, slotID)

		branch, err := m.backend.ProvisionSlot(poolDir, repoURL, slotPath, i)
		if err != nil {
			return nil, &ourerrors.SlotAllocationError{SlotID: slotID, Err: err}
		}
		commit, _ := m.git.CurrentCommit(slotPath)

		slot := &slotmodel.Slot{
			SlotID:        slotID,
			RepoName:      repoName,
			RepoURL:       repoURL,
			SlotPath:      slotPath,
			State:         slotmodel.StateAvailable,
			CurrentBranch: branch,
			CurrentCommit: commit,
			CreatedAt:     now,
			UpdatedAt:     now,
			Metadata:      map[string]string{},
		}
		if err := m.store.SaveSlot(slot); err != nil {
			return nil, err
		}
	}

	newPool := &slotmodel.Pool{
		RepoName:       repoName,
		RepoURL:        repoURL,
		NumSlots:       numSlots,
		CleanupOptions: cleanupOpts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.SavePool(newPool); err != nil {
		return nil, err
	}
	return m.store.LoadPool(repoName)
}

// SetCleanupOptions updates a pool's cleanup_options in place, taking
// effect on the next allocate/release/warmup for that pool.
func (m *Manager) SetCleanupOptions(repoName string, opts slotmodel.CleanupOptions) error {
	p, err := m.store.LoadPool(repoName)
	if err != nil {
		return err
	}
	p.CleanupOptions = opts
	return m.store.Touch(p, time.Now())
}

func (m *Manager) cleanupOptionsFor(repoName string) slotmodel.CleanupOptions {
	p, err := m.store.LoadPool(repoName)
	if err != nil {
		return slotmodel.DefaultCleanupOptions()
	}
	return p.CleanupOptions
}

// AllocateSlot is the critical path from spec §4.6: find -> lock ->
// reload-and-recheck -> cleanup_before_allocation -> mark_allocated.
// A race lost between find and acquire recurses rather than failing.
func (m *Manager) AllocateSlot(repoName string, metadata map[string]string) (*slotmodel.Slot, error) {
	timer := log.StartTimer("allocate_slot")
	defer timer.LogElapsedWith("allocate_slot finished", "repo_name", repoName)

	if !m.store.PoolExists(repoName) {
		return nil, &ourerrors.PoolNotFoundError{RepoName: repoName}
	}

	candidate, err := m.alloc.FindAvailable(repoName)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, &ourerrors.NoAvailableSlotError{RepoName: repoName}
	}

	handle, err := m.locks.Acquire(candidate.SlotID, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	fresh, err := m.store.LoadSlot(candidate.SlotID)
	if err != nil {
		handle.Release()
		return nil, err
	}
	if fresh.State != slotmodel.StateAvailable {
		// Lost the race between find_available and acquire: someone
		// else took it first. Retry against whatever is available now.
		handle.Release()
		return m.AllocateSlot(repoName, metadata)
	}

	if m.cleanupOptionsFor(repoName).FetchOnAllocate {
		result, err := m.clean.CleanupBeforeAllocation(fresh)
		if err != nil {
			handle.Release()
			return nil, err
		}
		if !result.Success {
			handle.Release()
			return nil, &ourerrors.SlotAllocationError{
				SlotID: fresh.SlotID,
				Err:    &ourerrors.CleanupError{SlotID: fresh.SlotID, Errs: result.Errors},
			}
		}
	}

	if _, err := m.alloc.MarkAllocated(fresh.SlotID, metadata); err != nil {
		handle.Release()
		return nil, err
	}

	final, err := m.store.LoadSlot(fresh.SlotID)
	handle.Release()
	return final, err
}

// ReleaseSlot acquires the lock, runs cleanup_after_release (when
// cleanup is true), and only calls mark_available if that cleanup
// succeeded — a failing cleanup leaves the slot in ERROR (set by the
// cleaner), excluded from future allocation until recovered (spec
// §4.6 failure-semantics table).
func (m *Manager) ReleaseSlot(slotID string, cleanup bool) (*slotmodel.Slot, error) {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}

	if cleanup && m.cleanupOptionsFor(slot.RepoName).CleanOnRelease {
		result, err := m.clean.CleanupAfterRelease(slot)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return m.store.LoadSlot(slotID)
		}
	}

	return m.alloc.MarkAvailable(slotID)
}

// ReleaseSlotBackground marks the slot AVAILABLE immediately (while
// still holding the lock) and submits the fetch/clean/reset to the
// background executor, sacrificing the clean-at-release guarantee in
// exchange for a short synchronous path (spec §4.6).
func (m *Manager) ReleaseSlotBackground(slotID string, cleanup bool) (string, error) {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return "", err
	}
	defer handle.Release()

	updated, err := m.alloc.MarkAvailable(slotID)
	if err != nil {
		return "", err
	}

	if !cleanup || !m.cleanupOptionsFor(updated.RepoName).CleanOnRelease {
		return "", nil
	}
	return m.clean.CleanupBackground(updated, slotmodel.OpAfterRelease, nil), nil
}

// WarmupSlot runs the warmup pipeline against an AVAILABLE slot
// without allocating it, when the owning pool's cleanup_options has
// warmup_enabled set (spec §6). A disabled pool makes this a no-op
// returning a successful, empty result.
func (m *Manager) WarmupSlot(slotID string) (*slotmodel.CleanupResult, error) {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}
	if !m.cleanupOptionsFor(slot.RepoName).WarmupEnabled {
		return &slotmodel.CleanupResult{Success: true, SlotID: slotID, Operation: slotmodel.OpWarmup}, nil
	}
	return m.clean.Warmup(slot)
}

// AddSlot derives the next unused index from max(existing_indices)+1,
// never reusing a removed one (spec B4).
func (m *Manager) AddSlot(repoName string) (*slotmodel.Slot, error) {
	existingPool, err := m.store.LoadPool(repoName)
	if err != nil {
		return nil, err
	}

	maxIdx := 0
	for _, s := range existingPool.Slots {
		if _, idx, ok := slotmodel.ParseSlotID(s.SlotID); ok && idx > maxIdx {
			maxIdx = idx
		}
	}
	newIdx := maxIdx + 1

	poolDir := m.store.PoolDir(repoName)
	slotID := slotmodel.FormatSlotID(repoName, newIdx)
	slotPath := m.store.SlotDir(repoName, slotID)

	branch, err := m.backend.ProvisionSlot(poolDir, existingPool.RepoURL, slotPath, newIdx)
	if err != nil {
		return nil, &ourerrors.SlotAllocationError{SlotID: slotID, Err: err}
	}
	commit, _ := m.git.CurrentCommit(slotPath)

	now := time.Now()
	slot := &slotmodel.Slot{
		SlotID:        slotID,
		RepoName:      repoName,
		RepoURL:       existingPool.RepoURL,
		SlotPath:      slotPath,
		State:         slotmodel.StateAvailable,
		CurrentBranch: branch,
		CurrentCommit: commit,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      map[string]string{},
	}
	if err := m.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	existingPool.NumSlots++
	if err := m.store.Touch(existingPool, now); err != nil {
		return nil, err
	}
	return slot, nil
}

// RemoveSlot refuses on an ALLOCATED slot unless force is set (spec B3).
// It holds the lock while deleting the directory and metadata, then
// updates the pool record's slot count.
func (m *Manager) RemoveSlot(slotID string, force bool) error {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return err
	}
	if slot.State == slotmodel.StateAllocated && !force {
		return fmt.Errorf("cannot remove allocated slot %s without force", slotID)
	}

	poolDir := m.store.PoolDir(slot.RepoName)
	_, index, _ := slotmodel.ParseSlotID(slotID)
	if err := m.backend.TeardownSlot(poolDir, slot.SlotPath, index); err != nil {
		log.WarnWith("teardown failed while removing slot, deleting record anyway", "slot_id", slotID, "error", err)
	}
	if err := m.store.DeleteSlot(slotID); err != nil {
		return err
	}

	if p, err := m.store.LoadPool(slot.RepoName); err == nil {
		p.NumSlots = len(p.Slots)
		_ = m.store.Touch(p, time.Now())
	}
	return nil
}

// GetSlotStatus reports state, a live is_locked probe, branch/commit,
// allocation count, last allocation time, and on-disk directory size.
func (m *Manager) GetSlotStatus(slotID string) (*slotmodel.SlotStatus, error) {
	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}
	return &slotmodel.SlotStatus{
		SlotID:          slot.SlotID,
		State:           slot.State,
		IsLocked:        m.locks.IsHeld(slotID),
		CurrentBranch:   slot.CurrentBranch,
		CurrentCommit:   slot.CurrentCommit,
		AllocationCount: slot.AllocationCount,
		LastAllocatedAt: slot.LastAllocatedAt,
		DirSizeBytes:    dirSize(slot.SlotPath),
	}, nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// GetPoolSummary returns per-pool totals by state, cumulative
// allocations, and average allocation time.
func (m *Manager) GetPoolSummary(repoName string) (*slotmodel.PoolSummary, error) {
	p, err := m.store.LoadPool(repoName)
	if err != nil {
		return nil, err
	}

	summary := &slotmodel.PoolSummary{RepoName: repoName, TotalSlots: len(p.Slots)}
	for _, s := range p.Slots {
		switch s.State {
		case slotmodel.StateAvailable:
			summary.AvailableSlots++
		case slotmodel.StateAllocated:
			summary.AllocatedSlots++
		case slotmodel.StateCleaning:
			summary.CleaningSlots++
		case slotmodel.StateError:
			summary.ErrorSlots++
		}
		summary.CumulativeAllocations += s.AllocationCount
	}

	metrics := m.alloc.Metrics(repoName)
	summary.AverageAllocationTimeSeconds = metrics.AverageAllocationTimeSeconds
	return summary, nil
}

// DetectAnomalies sweeps every pool for long-allocated slots,
// corrupted slots, and orphaned lock files (spec §4.7).
func (m *Manager) DetectAnomalies(maxAllocationHours float64) (*slotmodel.AnomalyReport, error) {
	report := &slotmodel.AnomalyReport{}

	repoNames, err := m.store.ListPools()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, repoName := range repoNames {
		slots, err := m.store.ListSlots(repoName)
		if err != nil {
			continue
		}
		for _, s := range slots {
			if s.State == slotmodel.StateAllocated && s.LastAllocatedAt != nil &&
				now.Sub(*s.LastAllocatedAt).Hours() > maxAllocationHours {
				report.LongAllocatedSlots = append(report.LongAllocatedSlots, s)
			}
			if s.State == slotmodel.StateError || !m.clean.VerifySlotIntegrity(s) {
				report.CorruptedSlots = append(report.CorruptedSlots, s)
			}
		}
	}

	staleLocks, err := m.locks.DetectStale(time.Duration(m.cfg.StaleLockHours) * time.Hour)
	if err == nil {
		for _, slotID := range staleLocks {
			if !m.store.SlotExists(slotID) {
				report.OrphanedLocks = append(report.OrphanedLocks, slotID)
			}
		}
	}

	return report, nil
}

// RecoverSlot acquires the lock, reloads, and runs repair. On repair
// success the slot is already persisted AVAILABLE; on failure, force
// asserts AVAILABLE anyway (operator-asserted), otherwise the slot
// stays ERROR (spec §4.7).
func (m *Manager) RecoverSlot(slotID string, force bool) (*slotmodel.Slot, error) {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}

	repaired, err := m.clean.RepairSlot(slot)
	if err != nil {
		return nil, err
	}
	if repaired.Success {
		return m.store.LoadSlot(slotID)
	}

	if force {
		slot.State = slotmodel.StateAvailable
		slot.UpdatedAt = time.Now()
		if err := m.store.SaveSlot(slot); err != nil {
			return nil, err
		}
		return slot, nil
	}

	return m.store.LoadSlot(slotID)
}

// IsolateSlot marks a slot ERROR with isolated_at/isolated_reason
// metadata, excluding it from allocation until operator intervention.
func (m *Manager) IsolateSlot(slotID, reason string) error {
	handle, err := m.locks.Acquire(slotID, m.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	slot, err := m.store.LoadSlot(slotID)
	if err != nil {
		return err
	}

	now := time.Now()
	slot.State = slotmodel.StateError
	if slot.Metadata == nil {
		slot.Metadata = map[string]string{}
	}
	slot.Metadata["isolated_at"] = now.Format(time.RFC3339)
	slot.Metadata["isolated_reason"] = reason
	slot.UpdatedAt = now
	return m.store.SaveSlot(slot)
}

// AutoRecover runs the anomaly sweep and takes the requested
// best-effort actions; it never raises, returning a structured
// summary of what it did and any per-item errors (spec §4.7).
func (m *Manager) AutoRecover(maxAllocationHours float64, recoverCorrupted, cleanupOrphanedLocks, forceReleaseLongAllocated bool) *slotmodel.AutoRecoverResult {
	result := &slotmodel.AutoRecoverResult{}

	report, err := m.DetectAnomalies(maxAllocationHours)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	if forceReleaseLongAllocated {
		for _, s := range report.LongAllocatedSlots {
			if _, err := m.ReleaseSlot(s.SlotID, true); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.ForceReleased = append(result.ForceReleased, s.SlotID)
		}
	}

	if recoverCorrupted {
		for _, s := range report.CorruptedSlots {
			recovered, err := m.RecoverSlot(s.SlotID, false)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if recovered.State == slotmodel.StateAvailable {
				result.Repaired = append(result.Repaired, s.SlotID)
				continue
			}
			if err := m.IsolateSlot(s.SlotID, "auto_recover: repair failed"); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Isolated = append(result.Isolated, s.SlotID)
		}
	}

	if cleanupOrphanedLocks {
		for _, slotID := range report.OrphanedLocks {
			if err := m.locks.ForceRelease(slotID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.LocksRemoved = append(result.LocksRemoved, slotID)
		}
	}

	return result
}

// GetAllocationMetrics returns the allocator's accumulated metrics for a pool.
func (m *Manager) GetAllocationMetrics(repoName string) slotmodel.AllocationMetrics {
	return m.alloc.Metrics(repoName)
}

// exportDoc is the JSON shape written by ExportMetrics, mirroring
// necrocode/repo_pool/pool_manager.py's export_metrics.
type exportDoc struct {
	ExportedAt time.Time                              `json:"exported_at"`
	Pools      map[string]*slotmodel.PoolSummary      `json:"pools"`
	Metrics    map[string]slotmodel.AllocationMetrics `json:"metrics"`
}

// ExportMetrics writes a point-in-time snapshot of every pool's
// summary and allocation metrics to path, supplementing spec.md with
// a feature carried forward from the original Python
// (pool_manager.py's get_performance_metrics/export_metrics).
func (m *Manager) ExportMetrics(path string) error {
	repoNames, err := m.store.ListPools()
	if err != nil {
		return err
	}

	doc := exportDoc{
		ExportedAt: time.Now(),
		Pools:      make(map[string]*slotmodel.PoolSummary, len(repoNames)),
		Metrics:    make(map[string]slotmodel.AllocationMetrics, len(repoNames)),
	}
	for _, repoName := range repoNames {
		summary, err := m.GetPoolSummary(repoName)
		if err != nil {
			continue
		}
		doc.Pools[repoName] = summary
		doc.Metrics[repoName] = m.alloc.Metrics(repoName)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// PoolDefinition is the minimal shape ReloadConfig needs from a
// freshly re-read config file, decoupling pool from config's YAML
// concerns.
type PoolDefinition struct {
	RepoName       string
	RepoURL        string
	NumSlots       int
	CleanupOptions slotmodel.CleanupOptions
}

// ReloadConfig re-reads a set of pool definitions and creates any pool
// that doesn't yet exist on disk, without restarting the manager —
// supplemented from pool_manager.py's reload_config.
func (m *Manager) ReloadConfig(defs []PoolDefinition) ([]string, error) {
	var created []string
	for _, d := range defs {
		if m.store.PoolExists(d.RepoName) {
			continue
		}
		if _, err := m.createPool(d.RepoName, d.RepoURL, d.NumSlots, d.CleanupOptions); err != nil {
			return created, fmt.Errorf("reload_config: creating pool %q: %w", d.RepoName, err)
		}
		created = append(created, d.RepoName)
	}
	return created, nil
}
