// Package allocator implements the slot-selection policy (spec §4.5):
// an MRU-preferring scan over AVAILABLE slots, plus the bookkeeping
// (allocation_count, total_usage_seconds, MRU cache, per-pool metrics)
// that mark_allocated/mark_available must maintain.
package allocator

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/slotmodel"
)

// mruCacheCapacity bounds each pool's most-recently-used cache (spec §4.5: ≈100).
const mruCacheCapacity = 100

// allocationHistoryCapacity bounds the per-pool allocation-latency sample history.
const allocationHistoryCapacity = 1000

// mruCache is an ordered map keyed by slot_id, front = most recently used.
type mruCache struct {
	order *list.List
	index map[string]*list.Element
}

func newMRUCache() *mruCache {
	return &mruCache{order: list.New(), index: make(map[string]*list.Element)}
}

func (c *mruCache) touch(slotID string) {
	if el, ok := c.index[slotID]; ok {
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(slotID)
	c.index[slotID] = el
	for c.order.Len() > mruCacheCapacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.index, back.Value.(string))
	}
}

// mostRecentAvailable returns the most-recently-touched slot_id that is
// also present in available, or "" if none match.
func (c *mruCache) mostRecentAvailable(available map[string]bool) string {
	for el := c.order.Front(); el != nil; el = el.Next() {
		slotID := el.Value.(string)
		if available[slotID] {
			return slotID
		}
	}
	return ""
}

type repoMetrics struct {
	allocationTimes   []float64
	failedAllocations int
	cacheHits         int
	cacheMisses       int
}

// Allocator selects AVAILABLE slots and tracks allocation metadata. It
// acquires no locks itself: all state mutations run with the caller
// already holding the slot lock (spec §4.5).
type Allocator struct {
	store *metadatastore.Store

	mu            sync.Mutex
	mru           map[string]*mruCache
	metrics       map[string]*repoMetrics
	enableMetrics bool
}

// New returns an Allocator backed by store, with metrics recording
// enabled by default.
func New(store *metadatastore.Store) *Allocator {
	return &Allocator{
		store:         store,
		mru:           make(map[string]*mruCache),
		metrics:       make(map[string]*repoMetrics),
		enableMetrics: true,
	}
}

// SetMetricsEnabled toggles whether FindAvailable records timing
// samples, hit/miss counters and failed-allocation counts (spec §6's enable_metrics:
// "whether the allocator records timing samples"). Slot selection
// itself is unaffected either way.
func (a *Allocator) SetMetricsEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableMetrics = enabled
}

func (a *Allocator) cacheFor(repoName string) *mruCache {
	c, ok := a.mru[repoName]
	if !ok {
		c = newMRUCache()
		a.mru[repoName] = c
	}
	return c
}

func (a *Allocator) metricsFor(repoName string) *repoMetrics {
	m, ok := a.metrics[repoName]
	if !ok {
		m = &repoMetrics{}
		a.metrics[repoName] = m
	}
	return m
}

// FindAvailable selects an AVAILABLE slot for repoName using the
// two-tier policy from spec §4.5: prefer an MRU "warm" slot, otherwise
// the AVAILABLE slot with the largest last_allocated_at (ties broken
// lexicographically by slot_id for stability). Returns nil if none.
func (a *Allocator) FindAvailable(repoName string) (*slotmodel.Slot, error) {
	start := time.Now()

	slots, err := a.store.ListSlots(repoName)
	if err != nil {
		a.mu.Lock()
		if a.enableMetrics {
			a.metricsFor(repoName).failedAllocations++
		}
		a.mu.Unlock()
		return nil, err
	}

	var available []*slotmodel.Slot
	availableSet := make(map[string]bool)
	for _, s := range slots {
		if s.State == slotmodel.StateAvailable {
			available = append(available, s)
			availableSet[s.SlotID] = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(available) == 0 {
		if a.enableMetrics {
			a.metricsFor(repoName).failedAllocations++
		}
		return nil, nil
	}

	cache := a.cacheFor(repoName)
	m := a.metricsFor(repoName)

	if warmID := cache.mostRecentAvailable(availableSet); warmID != "" {
		for _, s := range available {
			if s.SlotID == warmID {
				if a.enableMetrics {
					m.cacheHits++
					a.recordAllocationTime(repoName, time.Since(start))
				}
				return s, nil
			}
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		ti, tj := lastAllocatedOrZero(available[i]), lastAllocatedOrZero(available[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return available[i].SlotID < available[j].SlotID
	})

	if a.enableMetrics {
		m.cacheMisses++
		a.recordAllocationTime(repoName, time.Since(start))
	}
	return available[0], nil
}

func lastAllocatedOrZero(s *slotmodel.Slot) time.Time {
	if s.LastAllocatedAt == nil {
		return time.Time{}
	}
	return *s.LastAllocatedAt
}

func (a *Allocator) recordAllocationTime(repoName string, d time.Duration) {
	m := a.metricsFor(repoName)
	m.allocationTimes = append(m.allocationTimes, d.Seconds())
	if len(m.allocationTimes) > allocationHistoryCapacity {
		m.allocationTimes = m.allocationTimes[len(m.allocationTimes)-allocationHistoryCapacity:]
	}
}

// MarkAllocated loads slotID, transitions it to ALLOCATED with the
// given metadata, persists it, and pushes it to the front of the MRU
// cache. The caller must already hold the slot lock.
func (a *Allocator) MarkAllocated(slotID string, metadata map[string]string) (*slotmodel.Slot, error) {
	slot, err := a.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}
	slot.MarkAllocated(time.Now(), metadata)
	if err := a.store.SaveSlot(slot); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cacheFor(slot.RepoName).touch(slotID)
	a.mu.Unlock()

	return slot, nil
}

// MarkAvailable loads slotID, folds elapsed allocated time into
// total_usage_seconds, and persists it as AVAILABLE. The caller must
// already hold the slot lock.
func (a *Allocator) MarkAvailable(slotID string) (*slotmodel.Slot, error) {
	slot, err := a.store.LoadSlot(slotID)
	if err != nil {
		return nil, err
	}
	slot.MarkReleased(time.Now())
	if err := a.store.SaveSlot(slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// Metrics returns the accumulated AllocationMetrics for repoName.
func (a *Allocator) Metrics(repoName string) slotmodel.AllocationMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.metricsFor(repoName)
	total := m.cacheHits + m.cacheMisses
	var avg float64
	if len(m.allocationTimes) > 0 {
		var sum float64
		for _, t := range m.allocationTimes {
			sum += t
		}
		avg = sum / float64(len(m.allocationTimes))
	}
	var hitRate float64
	if total > 0 {
		hitRate = float64(m.cacheHits) / float64(total)
	}
	return slotmodel.AllocationMetrics{
		RepoName:                     repoName,
		TotalAllocations:             total,
		AverageAllocationTimeSeconds: avg,
		CacheHitRate:                 hitRate,
		FailedAllocations:            m.failedAllocations,
	}
}

// ClearMetrics resets metrics for repoName, or for every pool if repoName is "".
func (a *Allocator) ClearMetrics(repoName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if repoName == "" {
		a.metrics = make(map[string]*repoMetrics)
		return
	}
	delete(a.metrics, repoName)
}
