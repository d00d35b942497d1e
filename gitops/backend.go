package gitops

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend is the slot-provisioning strategy (spec §1/§9 "Backend"): it
// must be interchangeable between an independent full clone per slot
// and a shared bare repository with one worktree per slot. The pool
// manager and cleaner only depend on this interface, never on a
// concrete backend, so both strategies satisfy every invariant in
// spec §3 and scenario S6 identically.
type Backend interface {
	// Name identifies the backend for logging/status purposes.
	Name() string
	// EnsureBase prepares any shared state a pool needs before slots
	// can be provisioned (a no-op for CloneBackend; the bare clone for
	// WorktreeBackend).
	EnsureBase(poolDir, repoURL string) error
	// ProvisionSlot creates the working tree for one slot and returns
	// the branch it ends up on.
	ProvisionSlot(poolDir, repoURL, slotPath string, index int) (branch string, err error)
	// TeardownSlot removes a slot's working tree (and, for the
	// worktree backend, its dedicated branch) entirely.
	TeardownSlot(poolDir, slotPath string, index int) error
}

// CloneBackend provisions each slot as an independent full clone.
type CloneBackend struct {
	Git *Adapter
}

func NewCloneBackend(git *Adapter) *CloneBackend {
	return &CloneBackend{Git: git}
}

func (b *CloneBackend) Name() string { return "clone" }

func (b *CloneBackend) EnsureBase(poolDir, repoURL string) error {
	return nil
}

func (b *CloneBackend) ProvisionSlot(poolDir, repoURL, slotPath string, index int) (string, error) {
	if _, err := b.Git.Clone(repoURL, slotPath); err != nil {
		return "", err
	}
	return b.Git.CurrentBranch(slotPath)
}

func (b *CloneBackend) TeardownSlot(poolDir, slotPath string, index int) error {
	return os.RemoveAll(slotPath)
}

// WorktreeBackend provisions one bare clone per pool (under
// <poolDir>/.main_repo) and one `git worktree` per slot (under
// <poolDir>/worktrees/slotN), generalizing the teacher's
// usecases/worktree_pool.go pattern from an ephemeral warm pool into
// the spec's persistent per-slot worktrees.
type WorktreeBackend struct {
	Git *Adapter
}

func NewWorktreeBackend(git *Adapter) *WorktreeBackend {
	return &WorktreeBackend{Git: git}
}

func (b *WorktreeBackend) Name() string { return "worktree" }

// BareDir returns the shared bare repository path for a pool.
func (b *WorktreeBackend) BareDir(poolDir string) string {
	return filepath.Join(poolDir, ".main_repo")
}

func (b *WorktreeBackend) EnsureBase(poolDir, repoURL string) error {
	bareDir := b.BareDir(poolDir)
	if _, err := os.Stat(bareDir); err == nil {
		return nil
	}
	_, err := b.Git.BareClone(repoURL, bareDir)
	return err
}

func (b *WorktreeBackend) ProvisionSlot(poolDir, repoURL, slotPath string, index int) (string, error) {
	bareDir := b.BareDir(poolDir)
	branch := b.branchName(poolDir, index)
	if _, err := b.Git.WorktreeAdd(bareDir, slotPath, branch, "HEAD"); err != nil {
		return "", err
	}
	return branch, nil
}

func (b *WorktreeBackend) TeardownSlot(poolDir, slotPath string, index int) error {
	bareDir := b.BareDir(poolDir)
	if _, err := b.Git.WorktreeRemove(bareDir, slotPath, true); err != nil {
		return err
	}
	_, err := b.Git.BranchDelete(bareDir, b.branchName(poolDir, index))
	return err
}

func (b *WorktreeBackend) branchName(poolDir string, index int) string {
	return fmt.Sprintf("repopool/slot%d", index)
}
