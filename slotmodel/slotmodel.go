// Package slotmodel defines the data model shared by every repo-pool
// component: pools, slots, their state machine, and the small result
// types the cleaner/allocator hand back to callers.
package slotmodel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SlotState is one of the four states a slot can occupy.
type SlotState string

const (
	StateAvailable SlotState = "available"
	StateAllocated SlotState = "allocated"
	StateCleaning  SlotState = "cleaning"
	StateError     SlotState = "error"
)

// CleanupOptions are the per-pool cleanup toggles from spec §6's
// cleanup_options: whether allocate fetches first, whether release
// cleans before returning the slot to AVAILABLE, and whether the
// pool participates in warmup sweeps.
type CleanupOptions struct {
	FetchOnAllocate bool `json:"fetch_on_allocate"`
	CleanOnRelease  bool `json:"clean_on_release"`
	WarmupEnabled   bool `json:"warmup_enabled"`
}

// DefaultCleanupOptions mirrors the pre-existing unconditional-cleanup
// behavior: every toggle on.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{FetchOnAllocate: true, CleanOnRelease: true, WarmupEnabled: true}
}

// Pool is the persisted record for a named repository's slot pool.
// The slot list is not stored inside pool.json; it is derived at load
// time by the metadata store from the sibling slot directories.
type Pool struct {
	RepoName       string         `json:"repo_name"`
	RepoURL        string         `json:"repo_url"`
	NumSlots       int            `json:"num_slots"`
	CleanupOptions CleanupOptions `json:"cleanup_options"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Slots          []*Slot        `json:"-"`
}

// Slot is the persisted record for one working copy.
type Slot struct {
	SlotID            string            `json:"slot_id"`
	RepoName          string            `json:"repo_name"`
	RepoURL           string            `json:"repo_url"`
	SlotPath          string            `json:"slot_path"`
	State             SlotState         `json:"state"`
	CurrentBranch     string            `json:"current_branch"`
	CurrentCommit     string            `json:"current_commit"`
	AllocationCount   int               `json:"allocation_count"`
	TotalUsageSeconds float64           `json:"total_usage_seconds"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	LastAllocatedAt   *time.Time        `json:"last_allocated_at"`
	LastReleasedAt    *time.Time        `json:"last_released_at"`
	Metadata          map[string]string `json:"metadata"`
}

// Clone returns a deep-enough copy safe to hand to a caller without
// sharing the Metadata map.
func (s *Slot) Clone() *Slot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.LastAllocatedAt != nil {
		t := *s.LastAllocatedAt
		c.LastAllocatedAt = &t
	}
	if s.LastReleasedAt != nil {
		t := *s.LastReleasedAt
		c.LastReleasedAt = &t
	}
	return &c
}

// MarkAllocated transitions the slot into ALLOCATED, stamping
// last_allocated_at and bumping the monotonic allocation_count.
func (s *Slot) MarkAllocated(now time.Time, metadata map[string]string) {
	s.State = StateAllocated
	s.LastAllocatedAt = &now
	s.AllocationCount++
	s.Metadata = metadata
	s.UpdatedAt = now
}

// MarkReleased transitions the slot into AVAILABLE, folding the
// elapsed allocated time into the append-only usage counter.
func (s *Slot) MarkReleased(now time.Time) {
	if s.LastAllocatedAt != nil {
		s.TotalUsageSeconds += now.Sub(*s.LastAllocatedAt).Seconds()
	}
	s.LastReleasedAt = &now
	s.State = StateAvailable
	s.UpdatedAt = now
}

// SlotIDPattern is the canonical slot_id grammar from spec §6:
// workspace-<repo_name>-slot<N>, repo_name itself may contain dashes.
var SlotIDPattern = regexp.MustCompile(`^workspace-(.+)-slot(\d+)$`)

// FormatSlotID builds the canonical slot_id for a repo_name + index.
func FormatSlotID(repoName string, index int) string {
	return fmt.Sprintf("workspace-%s-slot%d", repoName, index)
}

// ParseSlotID decomposes a slot_id into its repo_name and slot index
// per the canonical grammar: strip the "workspace-" prefix and the
// final "-slotN" suffix; the middle is repo_name. This is the only
// parsing scheme implementations may depend on (spec §4.2, §6).
func ParseSlotID(slotID string) (repoName string, index int, ok bool) {
	m := SlotIDPattern.FindStringSubmatch(slotID)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// ValidRepoName rejects repo_names that would make slot_id decomposition
// ambiguous, i.e. ones containing the literal substring "-slot<digits>"
// anywhere (spec §9 "Open questions observed in the source").
func ValidRepoName(repoName string) bool {
	if repoName == "" {
		return false
	}
	return !ambiguousRepoNameSuffix.MatchString(repoName)
}

var ambiguousRepoNameSuffix = regexp.MustCompile(`-slot\d+`)

// SlotDirName returns the directory name under the pool directory for
// a slot_id, e.g. "workspace-demo-slot3" -> "slot3".
func SlotDirName(slotID string) string {
	idx := strings.LastIndex(slotID, "-slot")
	if idx == -1 {
		return slotID
	}
	return slotID[idx+1:]
}

// CleanupOperation names which cleanup entry point produced a CleanupResult.
type CleanupOperation string

const (
	OpBeforeAllocation CleanupOperation = "before_allocation"
	OpAfterRelease     CleanupOperation = "after_release"
	OpWarmup           CleanupOperation = "warmup"
	OpRepair           CleanupOperation = "repair"
)

// CleanupResult is returned by every cleanup pipeline entry point.
type CleanupResult struct {
	Success             bool             `json:"success"`
	SlotID              string           `json:"slot_id"`
	Operation           CleanupOperation `json:"operation"`
	Duration            time.Duration    `json:"duration"`
	OperationsPerformed []string         `json:"operations_performed"`
	Errors              []string         `json:"errors"`
}

// CleanupRecord is an entry in the cleaner's in-memory ring buffer.
type CleanupRecord struct {
	SlotID              string           `json:"slot_id"`
	OperationType       CleanupOperation `json:"operation_type"`
	Success             bool             `json:"success"`
	Duration            time.Duration    `json:"duration"`
	OperationsPerformed []string         `json:"operations"`
	Errors              []string         `json:"errors"`
	Timestamp           time.Time        `json:"timestamp"`
}

// RepairResult reports every action attempted while repairing a slot.
type RepairResult struct {
	SlotID       string   `json:"slot_id"`
	Success      bool     `json:"success"`
	ActionsTaken []string `json:"actions_taken"`
	Recloned     bool     `json:"recloned"`
	Errors       []string `json:"errors"`
}

// AllocationMetrics summarizes the allocator's per-pool counters.
// Supplemented from original_source/necrocode/repo_pool/slot_allocator.py,
// whose AllocationMetrics dataclass this mirrors field-for-field.
type AllocationMetrics struct {
	RepoName                     string  `json:"repo_name"`
	TotalAllocations             int     `json:"total_allocations"`
	AverageAllocationTimeSeconds float64 `json:"average_allocation_time_seconds"`
	CacheHitRate                 float64 `json:"cache_hit_rate"`
	FailedAllocations            int     `json:"failed_allocations"`
}

// SlotStatus is the read-only view returned by get_slot_status.
type SlotStatus struct {
	SlotID          string     `json:"slot_id"`
	State           SlotState  `json:"state"`
	IsLocked        bool       `json:"is_locked"`
	CurrentBranch   string     `json:"current_branch"`
	CurrentCommit   string     `json:"current_commit"`
	AllocationCount int        `json:"allocation_count"`
	LastAllocatedAt *time.Time `json:"last_allocated_at"`
	DirSizeBytes    int64      `json:"dir_size_bytes"`
}

// PoolSummary is the read-only view returned by get_pool_summary.
type PoolSummary struct {
	RepoName                     string  `json:"repo_name"`
	TotalSlots                   int     `json:"total_slots"`
	AvailableSlots               int     `json:"available_slots"`
	AllocatedSlots               int     `json:"allocated_slots"`
	CleaningSlots                int     `json:"cleaning_slots"`
	ErrorSlots                   int     `json:"error_slots"`
	CumulativeAllocations        int     `json:"cumulative_allocations"`
	AverageAllocationTimeSeconds float64 `json:"average_allocation_time_seconds"`
}

// AnomalyReport is the combined result of a detect_anomalies sweep.
type AnomalyReport struct {
	LongAllocatedSlots []*Slot  `json:"long_allocated_slots"`
	CorruptedSlots     []*Slot  `json:"corrupted_slots"`
	OrphanedLocks      []string `json:"orphaned_locks"`
}

// AutoRecoverResult is the best-effort outcome of an auto_recover sweep.
type AutoRecoverResult struct {
	ForceReleased []string `json:"force_released"`
	Repaired      []string `json:"repaired"`
	Isolated      []string `json:"isolated"`
	LocksRemoved  []string `json:"locks_removed"`
	Errors        []string `json:"errors"`
}
