package pool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necrocode/repopool/allocator"
	"github.com/necrocode/repopool/cleaner"
	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/gitops"
	"github.com/necrocode/repopool/internal/testgit"
	"github.com/necrocode/repopool/lock"
	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/slotmodel"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := metadatastore.New(t.TempDir())
	require.NoError(t, err)

	git := &gitops.Adapter{Timeout: 10 * time.Second, Retries: 2, RetryDelay: 10 * time.Millisecond}
	backend := gitops.NewCloneBackend(git)
	locks := lock.New(store.LocksDir())
	alloc := allocator.New(store)
	clean := cleaner.New(git, backend, store, locks)

	cfg := DefaultConfig()
	cfg.LockTimeout = 2 * time.Second
	return NewManager(store, locks, alloc, clean, backend, git, cfg)
}

func TestCreatePoolProvisionsSlotsAndPersistsRecord(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)

	p, err := mgr.CreatePool("demo", fixture.RemoteDir, 2)
	require.NoError(t, err)
	require.Equal(t, 2, p.NumSlots)
	require.Len(t, p.Slots, 2)
	for _, s := range p.Slots {
		require.Equal(t, slotmodel.StateAvailable, s.State)
	}
}

func TestCreatePoolRefusesDuplicate(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)

	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	_, err = mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.Error(t, err)
}

func TestCreatePoolRejectsAmbiguousRepoName(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)

	_, err := mgr.CreatePool("demo-slot3", fixture.RemoteDir, 1)
	require.Error(t, err)
}

func TestCreatePoolDefaultsCleanupOptionsToAllEnabled(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)

	p, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)
	require.Equal(t, slotmodel.DefaultCleanupOptions(), p.CleanupOptions)
}

func TestAllocateSlotSkipsCleanupWhenFetchOnAllocateDisabled(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetCleanupOptions("demo", slotmodel.CleanupOptions{FetchOnAllocate: false, CleanOnRelease: true, WarmupEnabled: true}))

	slotID := slotmodel.FormatSlotID("demo", 1)
	require.NoError(t, os.RemoveAll(mgr.store.SlotDir("demo", slotID)+"/.git"))

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAllocated, slot.State)
}

func TestReleaseSlotSkipsCleanupWhenCleanOnReleaseDisabled(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetCleanupOptions("demo", slotmodel.CleanupOptions{FetchOnAllocate: true, CleanOnRelease: false, WarmupEnabled: true}))

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	released, err := mgr.ReleaseSlot(slot.SlotID, true)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, released.State)
}

func TestWarmupSlotIsNoOpWhenDisabled(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetCleanupOptions("demo", slotmodel.CleanupOptions{FetchOnAllocate: true, CleanOnRelease: true, WarmupEnabled: false}))

	slotID := slotmodel.FormatSlotID("demo", 1)
	result, err := mgr.WarmupSlot(slotID)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.OperationsPerformed)
}

func TestWarmupSlotRunsPipelineWhenEnabled(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slotID := slotmodel.FormatSlotID("demo", 1)
	result, err := mgr.WarmupSlot(slotID)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.OperationsPerformed)
}

func TestAllocateSlotHappyPath(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 2)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", map[string]string{"task": "t1"})
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAllocated, slot.State)
	require.Equal(t, 1, slot.AllocationCount)
	require.Equal(t, "t1", slot.Metadata["task"])
}

func TestAllocateSlotOnUnknownPoolFails(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.AllocateSlot("ghost", nil)
	require.Error(t, err)
	_, ok := ourerrors.IsPoolNotFound(err)
	require.True(t, ok)
}

func TestAllocateSlotOnFullPoolFails(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	_, err = mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	_, err = mgr.AllocateSlot("demo", nil)
	require.Error(t, err)
	_, ok := ourerrors.IsNoAvailableSlot(err)
	require.True(t, ok)
}

func TestReleaseSlotReturnsToAvailableAndAccruesUsage(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	released, err := mgr.ReleaseSlot(slot.SlotID, true)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, released.State)
	require.Equal(t, 1, released.AllocationCount)
	require.Greater(t, released.TotalUsageSeconds, 0.0)
}

func TestFullAllocateReleaseCycleScenarioS1(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)

	p, err := mgr.CreatePool("demo", fixture.RemoteDir, 2)
	require.NoError(t, err)
	require.Equal(t, 2, p.NumSlots)

	slot, err := mgr.AllocateSlot("demo", map[string]string{"task": "t1"})
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAllocated, slot.State)
	require.Equal(t, 1, slot.AllocationCount)

	released, err := mgr.ReleaseSlot(slot.SlotID, true)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, released.State)
	require.Equal(t, 1, released.AllocationCount)
}

func TestReleaseSlotBackgroundMarksAvailableImmediately(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	taskID, err := mgr.ReleaseSlotBackground(slot.SlotID, true)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	status, err := mgr.GetSlotStatus(slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, status.State)
}

func TestAddSlotPicksMaxPlusOneNotReused(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 2)
	require.NoError(t, err)

	slotID := slotmodel.FormatSlotID("demo", 2)
	require.NoError(t, mgr.RemoveSlot(slotID, false))

	added, err := mgr.AddSlot("demo")
	require.NoError(t, err)
	require.Equal(t, slotmodel.FormatSlotID("demo", 3), added.SlotID)
}

func TestRemoveSlotRefusesAllocatedWithoutForce(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	err = mgr.RemoveSlot(slot.SlotID, false)
	require.Error(t, err)

	status, err := mgr.GetSlotStatus(slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAllocated, status.State)
}

func TestGetPoolSummaryTalliesByState(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 2)
	require.NoError(t, err)

	_, err = mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	summary, err := mgr.GetPoolSummary("demo")
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalSlots)
	require.Equal(t, 1, summary.AllocatedSlots)
	require.Equal(t, 1, summary.AvailableSlots)
}

func TestDetectAnomaliesFindsLongAllocatedSlot(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	stale := time.Now().Add(-10 * time.Hour)
	loaded, err := mgr.store.LoadSlot(slot.SlotID)
	require.NoError(t, err)
	loaded.LastAllocatedAt = &stale
	require.NoError(t, mgr.store.SaveSlot(loaded))

	report, err := mgr.DetectAnomalies(1)
	require.NoError(t, err)
	require.Len(t, report.LongAllocatedSlots, 1)
	require.Equal(t, slot.SlotID, report.LongAllocatedSlots[0].SlotID)
}

func TestRecoverSlotRepairsCorruptedSlot(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slotID := slotmodel.FormatSlotID("demo", 1)
	slot, err := mgr.store.LoadSlot(slotID)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(slot.SlotPath+"/.git"))

	recovered, err := mgr.RecoverSlot(slotID, false)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, recovered.State)
}

func TestIsolateSlotSetsErrorWithReason(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slotID := slotmodel.FormatSlotID("demo", 1)
	require.NoError(t, mgr.IsolateSlot(slotID, "manual test isolation"))

	status, err := mgr.GetSlotStatus(slotID)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateError, status.State)
}

func TestAutoRecoverForceReleasesLongAllocatedSlots(t *testing.T) {
	fixture := testgit.NewFixture(t)
	mgr := newTestManager(t)
	_, err := mgr.CreatePool("demo", fixture.RemoteDir, 1)
	require.NoError(t, err)

	slot, err := mgr.AllocateSlot("demo", nil)
	require.NoError(t, err)

	stale := time.Now().Add(-10 * time.Hour)
	loaded, err := mgr.store.LoadSlot(slot.SlotID)
	require.NoError(t, err)
	loaded.LastAllocatedAt = &stale
	require.NoError(t, mgr.store.SaveSlot(loaded))

	result := mgr.AutoRecover(1, false, false, true)
	require.Contains(t, result.ForceReleased, slot.SlotID)

	status, err := mgr.GetSlotStatus(slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAvailable, status.State)
}
