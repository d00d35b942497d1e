package cleaner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necrocode/repopool/gitops"
	"github.com/necrocode/repopool/internal/testgit"
	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/slotmodel"
)

func newTestEnv(t *testing.T) (*gitops.Adapter, *metadatastore.Store) {
	t.Helper()
	store, err := metadatastore.New(t.TempDir())
	require.NoError(t, err)
	return &gitops.Adapter{Timeout: 10 * time.Second, Retries: 2, RetryDelay: 10 * time.Millisecond}, store
}

func seedClonedSlot(t *testing.T, git *gitops.Adapter, store *metadatastore.Store, repoURL string) *slotmodel.Slot {
	t.Helper()
	slotID := slotmodel.FormatSlotID("demo", 1)
	slotPath := store.SlotDir("demo", slotID)
	_, err := git.Clone(repoURL, slotPath)
	require.NoError(t, err)

	commit, err := git.CurrentCommit(slotPath)
	require.NoError(t, err)
	branch, err := git.CurrentBranch(slotPath)
	require.NoError(t, err)

	slot := &slotmodel.Slot{
		SlotID:        slotID,
		RepoName:      "demo",
		RepoURL:       repoURL,
		SlotPath:      slotPath,
		State:         slotmodel.StateAvailable,
		CurrentBranch: branch,
		CurrentCommit: commit,
		Metadata:      map[string]string{},
	}
	require.NoError(t, store.SaveSlot(slot))
	return slot
}

func TestCleanupBeforeAllocationSucceedsAndRestoresState(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	result, err := c.CleanupBeforeAllocation(slot)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, slotmodel.StateAvailable, slot.State)
	require.Equal(t, []string{"fetch", "clean", "reset"}, result.OperationsPerformed)

	records := c.GetCleanupLog(slot.SlotID)
	require.Len(t, records, 1)
}

func TestCleanupAfterReleaseFailureSetsError(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	// Sabotage the slot so the pipeline's fetch step fails.
	require.NoError(t, os.RemoveAll(slot.SlotPath))

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	result, err := c.CleanupAfterRelease(slot)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, slotmodel.StateError, slot.State)
}

func TestWarmupRejectsNonAvailableSlot(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)
	slot.State = slotmodel.StateAllocated

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	result, err := c.Warmup(slot)
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestVerifySlotIntegrityDetectsMissingGitDir(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	require.True(t, c.VerifySlotIntegrity(slot))

	require.NoError(t, os.RemoveAll(filepath.Join(slot.SlotPath, ".git")))
	require.False(t, c.VerifySlotIntegrity(slot))
}

func TestRepairSlotReclonesAfterCorruption(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	require.NoError(t, os.RemoveAll(filepath.Join(slot.SlotPath, ".git")))

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	result, err := c.RepairSlot(slot)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, result.Recloned)
	require.Equal(t, slotmodel.StateAvailable, slot.State)
	require.True(t, c.VerifySlotIntegrity(slot))
}

func TestCleanupManyRunsAcrossSlots(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)

	var slots []*slotmodel.Slot
	for i := 1; i <= 3; i++ {
		slotID := slotmodel.FormatSlotID("demo", i)
		slotPath := store.SlotDir("demo", slotID)
		_, err := git.Clone(fixture.RemoteDir, slotPath)
		require.NoError(t, err)
		slot := &slotmodel.Slot{SlotID: slotID, RepoName: "demo", RepoURL: fixture.RemoteDir, SlotPath: slotPath, State: slotmodel.StateAvailable, Metadata: map[string]string{}}
		require.NoError(t, store.SaveSlot(slot))
		slots = append(slots, slot)
	}

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	results := c.CleanupMany(slots, slotmodel.OpAfterRelease, 2)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Success)
	}
}

func TestCleanupBackgroundCompletesAndIsAwaitable(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	defer c.Shutdown(true)

	taskID := c.CleanupBackground(slot, slotmodel.OpAfterRelease, nil)
	result, err := c.AwaitResult(taskID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, c.IsDone(taskID))
}

func TestCleanupBackgroundSkipsWhenSlotNoLongerAvailable(t *testing.T) {
	fixture := testgit.NewFixture(t)
	git, store := newTestEnv(t)
	slot := seedClonedSlot(t, git, store, fixture.RemoteDir)

	// Simulate a reallocation racing the background task.
	slot.State = slotmodel.StateAllocated
	require.NoError(t, store.SaveSlot(slot))

	c := New(git, gitops.NewCloneBackend(git), store, nil)
	defer c.Shutdown(true)

	taskID := c.CleanupBackground(slot, slotmodel.OpAfterRelease, nil)
	result, err := c.AwaitResult(taskID, 5*time.Second)
	require.NoError(t, err)
	require.False(t, result.Success)

	reloaded, err := store.LoadSlot(slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, slotmodel.StateAllocated, reloaded.State, "skipped background cleanup must not mutate the reallocated slot")
}
