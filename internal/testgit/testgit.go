// Package testgit provides a shared helper for standing up a real
// temporary git repository plus a local bare "remote", generalizing
// the teacher's usecases/worktree_pool_test.go setupTestGitRepoWithRemote
// into one helper every package's tests can reuse.
package testgit

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Fixture is a throwaway origin repository tests can clone/fetch from.
type Fixture struct {
	// RemoteDir is the bare repository's path, usable directly as a
	// clone/fetch URL on the local filesystem.
	RemoteDir string
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

// NewFixture creates a bare "remote" repository seeded with one commit
// on main, registers t.Cleanup to remove it, and returns its path.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	remoteDir := t.TempDir()
	run(t, remoteDir, "init", "--bare")

	seedDir := t.TempDir()
	run(t, seedDir, "init")
	run(t, seedDir, "config", "user.email", "test@example.com")
	run(t, seedDir, "config", "user.name", "Test User")
	run(t, seedDir, "branch", "-m", "main")

	if err := os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("# fixture\n"), 0644); err != nil {
		t.Fatalf("writing seed file: %v", err)
	}
	run(t, seedDir, "add", "README.md")
	run(t, seedDir, "commit", "-m", "initial commit")
	run(t, seedDir, "remote", "add", "origin", remoteDir)
	run(t, seedDir, "push", "-u", "origin", "main")

	return &Fixture{RemoteDir: remoteDir}
}
