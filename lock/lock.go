// Package lock provides per-slot advisory file locks (spec §4.3),
// generalizing the teacher's utils/dirlock.go and utils/repolock.go
// (both single-purpose gofrs/flock wrappers) into a named-lock manager
// keyed by slot_id, safe across threads within one process and across
// processes sharing the workspaces directory on one filesystem.
package lock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/core/log"
)

// pollInterval is how often TryLockContext re-attempts the underlying
// flock syscall while waiting for a contended lock.
const pollInterval = 25 * time.Millisecond

// Manager hands out advisory locks backed by files under locksDir.
type Manager struct {
	locksDir string
}

// New returns a Manager rooted at locksDir, which must already exist
// (the metadata store creates it alongside the workspaces directory).
func New(locksDir string) *Manager {
	return &Manager{locksDir: locksDir}
}

func (m *Manager) lockPath(slotID string) string {
	return filepath.Join(m.locksDir, slotID+".lock")
}

// Handle is a held lock. The caller must call Release to give it up;
// callers on the allocate/release hot path do so via defer immediately
// after a successful Acquire, guaranteeing release on every exit path.
type Handle struct {
	slotID string
	fl     *flock.Flock
}

func (h *Handle) Release() error {
	return h.fl.Unlock()
}

// SlotID returns the slot this handle locks.
func (h *Handle) SlotID() string { return h.slotID }

// Acquire blocks up to timeout trying to take the lock for slotID,
// returning a *errors.LockTimeoutError if it isn't acquired in time.
// timeout=0 means "try once, don't wait" (spec boundary B2).
func (m *Manager) Acquire(slotID string, timeout time.Duration) (*Handle, error) {
	fl := flock.New(m.lockPath(slotID))

	start := time.Now()
	var locked bool
	var err error
	if timeout <= 0 {
		locked, err = fl.TryLock()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		locked, err = fl.TryLockContext(ctx, pollInterval)
	}
	if err != nil || !locked {
		log.Debug("⏳ Lock acquisition failed for slot %s after %s", slotID, time.Since(start))
		return nil, &ourerrors.LockTimeoutError{SlotID: slotID, Timeout: timeout.String()}
	}
	log.Debug("🔒 Lock acquired for slot %s (%s)", slotID, time.Since(start))
	return &Handle{slotID: slotID, fl: fl}, nil
}

// IsHeld is a non-blocking probe: it attempts and immediately releases
// the lock, returning true iff some other holder currently has it.
func (m *Manager) IsHeld(slotID string) bool {
	path := m.lockPath(slotID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		// Can't determine locked state cleanly; be conservative.
		return true
	}
	if !locked {
		return true
	}
	_ = fl.Unlock()
	return false
}

// ForceRelease removes the backing lock file unconditionally. Dangerous:
// intended only for orphaned-lock recovery (spec §4.3).
func (m *Manager) ForceRelease(slotID string) error {
	err := os.Remove(m.lockPath(slotID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DetectStale returns slot_ids whose lock file mtime is older than
// maxAge.
func (m *Manager) DetectStale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.locksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, strings.TrimSuffix(entry.Name(), ".lock"))
		}
	}
	return stale, nil
}

// CleanupStale detects and force-releases every stale lock, returning
// the slot_ids it removed.
func (m *Manager) CleanupStale(maxAge time.Duration) ([]string, error) {
	stale, err := m.DetectStale(maxAge)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, slotID := range stale {
		if err := m.ForceRelease(slotID); err != nil {
			log.Warn("⚠️ Failed to force-release stale lock for %s: %v", slotID, err)
			continue
		}
		removed = append(removed, slotID)
	}
	return removed, nil
}

// LockIDForOrphanCheck extracts the bare slot_id a lock file name
// represents, used by the pool manager's orphaned-lock detector.
func LockIDForOrphanCheck(lockFileName string) string {
	return strings.TrimSuffix(lockFileName, ".lock")
}
