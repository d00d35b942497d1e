package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/internal/testgit"
)

func newFastAdapter() *Adapter {
	return &Adapter{Timeout: 10 * time.Second, Retries: 2, RetryDelay: 10 * time.Millisecond}
}

func TestCloneAndIntrospect(t *testing.T) {
	fixture := testgit.NewFixture(t)
	dest := filepath.Join(t.TempDir(), "clone")
	adapter := newFastAdapter()

	_, err := adapter.Clone(fixture.RemoteDir, dest)
	require.NoError(t, err)

	branch, err := adapter.CurrentBranch(dest)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	commit, err := adapter.CurrentCommit(dest)
	require.NoError(t, err)
	require.Len(t, commit, 40)

	clean, err := adapter.IsCleanWorktree(dest)
	require.NoError(t, err)
	require.True(t, clean)
}

func TestCleanupPipelinePrimitives(t *testing.T) {
	fixture := testgit.NewFixture(t)
	dest := filepath.Join(t.TempDir(), "clone")
	adapter := newFastAdapter()

	_, err := adapter.Clone(fixture.RemoteDir, dest)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dest, "scratch.txt"), []byte("untracked"), 0644))

	_, err = adapter.FetchAllPrune(dest)
	require.NoError(t, err)

	_, err = adapter.CleanForceUntracked(dest)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "scratch.txt"))
	require.True(t, os.IsNotExist(err))

	_, err = adapter.ResetHard(dest, "HEAD")
	require.NoError(t, err)
}

func TestIntrospectionNotRetried(t *testing.T) {
	adapter := &Adapter{Timeout: 2 * time.Second, Retries: 5, RetryDelay: time.Millisecond}
	start := time.Now()
	_, err := adapter.CurrentBranch(t.TempDir())
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Less(t, elapsed, time.Second, "introspection ops must fail fast, not retry")
}

func TestWorktreeBackendProvisionAndTeardown(t *testing.T) {
	fixture := testgit.NewFixture(t)
	adapter := newFastAdapter()
	backend := NewWorktreeBackend(adapter)

	poolDir := t.TempDir()
	require.NoError(t, backend.EnsureBase(poolDir, fixture.RemoteDir))

	slotPath := filepath.Join(poolDir, "worktrees", "slot1")
	branch, err := backend.ProvisionSlot(poolDir, fixture.RemoteDir, slotPath, 1)
	require.NoError(t, err)
	require.Equal(t, "repopool/slot1", branch)

	_, err = os.Stat(filepath.Join(slotPath, "README.md"))
	require.NoError(t, err)

	require.NoError(t, backend.TeardownSlot(poolDir, slotPath, 1))
	_, err = os.Stat(slotPath)
	require.True(t, os.IsNotExist(err))
}

func TestCloneBackendProvisionAndTeardown(t *testing.T) {
	fixture := testgit.NewFixture(t)
	adapter := newFastAdapter()
	backend := NewCloneBackend(adapter)

	poolDir := t.TempDir()
	slotPath := filepath.Join(poolDir, "slot1")
	branch, err := backend.ProvisionSlot(poolDir, fixture.RemoteDir, slotPath, 1)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	require.NoError(t, backend.TeardownSlot(poolDir, slotPath, 1))
	_, err = os.Stat(slotPath)
	require.True(t, os.IsNotExist(err))
}

func TestFetchAllPruneManyBoundedConcurrency(t *testing.T) {
	fixture := testgit.NewFixture(t)
	adapter := newFastAdapter()

	var dirs []string
	for i := 0; i < 3; i++ {
		dest := filepath.Join(t.TempDir(), "clone")
		_, err := adapter.Clone(fixture.RemoteDir, dest)
		require.NoError(t, err)
		dirs = append(dirs, dest)
	}

	errs := adapter.FetchAllPruneMany(dirs, 2)
	require.Len(t, errs, 3)
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// exercises the retry path against a command that always fails, ensuring
// the adapter still terminates and reports a GitOperationError.
func TestRetryExhaustionSurfacesGitOperationError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	adapter := &Adapter{Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond}
	_, err := adapter.run(t.TempDir(), "reset", true, "reset", "--hard", "nonexistent-ref")
	require.Error(t, err)
	_, ok := ourerrors.IsGitOperation(err)
	require.True(t, ok)
}
