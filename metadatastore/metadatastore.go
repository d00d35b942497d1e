// Package metadatastore persists pool and slot records to disk as JSON
// documents under the deterministic layout from spec §4.2:
//
//	<workspaces_dir>/<repo_name>/pool.json
//	<workspaces_dir>/<repo_name>/slotN/slot.json
//	<workspaces_dir>/locks/<slot_id>.lock
package metadatastore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/core/log"
	"github.com/necrocode/repopool/slotmodel"
)

// Store is the metadata persistence layer. It owns no in-memory slot
// state: every read re-parses the JSON on disk, so concurrent readers
// never observe stale data once a writer's rename has landed.
type Store struct {
	workspacesDir string
}

// New returns a Store rooted at workspacesDir, creating it if needed.
func New(workspacesDir string) (*Store, error) {
	if err := os.MkdirAll(workspacesDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspacesDir, "locks"), 0755); err != nil {
		return nil, err
	}
	return &Store{workspacesDir: workspacesDir}, nil
}

// WorkspacesDir returns the store's root directory.
func (s *Store) WorkspacesDir() string { return s.workspacesDir }

// LocksDir returns the directory holding all slot lock files.
func (s *Store) LocksDir() string {
	return filepath.Join(s.workspacesDir, "locks")
}

func (s *Store) poolDir(repoName string) string {
	return filepath.Join(s.workspacesDir, repoName)
}

func (s *Store) poolFile(repoName string) string {
	return filepath.Join(s.poolDir(repoName), "pool.json")
}

func (s *Store) slotDir(repoName, slotID string) string {
	return filepath.Join(s.poolDir(repoName), slotmodel.SlotDirName(slotID))
}

func (s *Store) slotFile(repoName, slotID string) string {
	return filepath.Join(s.slotDir(repoName, slotID), "slot.json")
}

// SlotDir exposes the slot working-tree directory for a given repo/slot,
// used by callers that need the path before a slot record exists yet
// (e.g. while provisioning).
func (s *Store) SlotDir(repoName, slotID string) string {
	return s.slotDir(repoName, slotID)
}

// PoolDir exposes the pool directory, used by the worktree backend to
// locate its shared bare repository.
func (s *Store) PoolDir(repoName string) string {
	return s.poolDir(repoName)
}

// writeJSONAtomic marshals v to path, writing to a temp file in the same
// directory first and renaming over the destination so a crash mid-write
// never leaves a corrupt, half-written file readable at path.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// SavePool persists pool.json.
func (s *Store) SavePool(pool *slotmodel.Pool) error {
	return writeJSONAtomic(s.poolFile(pool.RepoName), pool)
}

// LoadPool reconstructs a pool record, deriving its slot list by
// enumerating sibling directories under the pool directory.
func (s *Store) LoadPool(repoName string) (*slotmodel.Pool, error) {
	data, err := os.ReadFile(s.poolFile(repoName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ourerrors.PoolNotFoundError{RepoName: repoName}
		}
		return nil, err
	}
	var pool slotmodel.Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, err
	}
	slots, err := s.ListSlots(repoName)
	if err != nil {
		return nil, err
	}
	pool.Slots = slots
	return &pool, nil
}

// SaveSlot persists a slot's slot.json under its own directory.
func (s *Store) SaveSlot(slot *slotmodel.Slot) error {
	return writeJSONAtomic(s.slotFile(slot.RepoName, slot.SlotID), slot)
}

// LoadSlot reads a single slot's slot.json, deriving repo_name from the
// slot_id grammar rather than trusting a caller-supplied repo_name.
func (s *Store) LoadSlot(slotID string) (*slotmodel.Slot, error) {
	repoName, _, ok := slotmodel.ParseSlotID(slotID)
	if !ok {
		return nil, &ourerrors.SlotNotFoundError{SlotID: slotID}
	}
	data, err := os.ReadFile(s.slotFile(repoName, slotID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ourerrors.SlotNotFoundError{SlotID: slotID}
		}
		return nil, err
	}
	var slot slotmodel.Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

// DeleteSlot removes the slot directory tree entirely.
func (s *Store) DeleteSlot(slotID string) error {
	repoName, _, ok := slotmodel.ParseSlotID(slotID)
	if !ok {
		return &ourerrors.SlotNotFoundError{SlotID: slotID}
	}
	dir := s.slotDir(repoName, slotID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &ourerrors.SlotNotFoundError{SlotID: slotID}
	}
	return os.RemoveAll(dir)
}

// ListSlots enumerates every slot.json under a pool's directory. A
// corrupted slot.json (parse failure) is logged and skipped rather
// than failing the whole enumeration (spec §4.2).
func (s *Store) ListSlots(repoName string) ([]*slotmodel.Slot, error) {
	dir := s.poolDir(repoName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var slots []*slotmodel.Slot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		slotFile := filepath.Join(dir, entry.Name(), "slot.json")
		data, err := os.ReadFile(slotFile)
		if err != nil {
			continue // no slot.json in this subdirectory, e.g. .main_repo
		}
		var slot slotmodel.Slot
		if err := json.Unmarshal(data, &slot); err != nil {
			log.Warn("⚠️ Skipping corrupted slot record %s: %v", slotFile, err)
			continue
		}
		slots = append(slots, &slot)
	}
	return slots, nil
}

// ListSlotIDs returns just the slot_ids for a pool, sorted by the
// underlying directory enumeration order.
func (s *Store) ListSlotIDs(repoName string) ([]string, error) {
	slots, err := s.ListSlots(repoName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(slots))
	for _, slot := range slots {
		ids = append(ids, slot.SlotID)
	}
	return ids, nil
}

// PoolExists reports whether a readable pool.json exists for repoName.
func (s *Store) PoolExists(repoName string) bool {
	_, err := os.Stat(s.poolFile(repoName))
	return err == nil
}

// SlotExists reports whether a readable slot.json exists for slotID.
func (s *Store) SlotExists(slotID string) bool {
	repoName, _, ok := slotmodel.ParseSlotID(slotID)
	if !ok {
		return false
	}
	_, err := os.Stat(s.slotFile(repoName, slotID))
	return err == nil
}

// ListPools returns every repo_name with a readable pool.json directly
// under the workspaces directory (spec property P6).
func (s *Store) ListPools() ([]string, error) {
	entries, err := os.ReadDir(s.workspacesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "locks" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.workspacesDir, entry.Name(), "pool.json")); err == nil {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Touch stamps a pool's updated_at and re-persists it.
func (s *Store) Touch(pool *slotmodel.Pool, now time.Time) error {
	pool.UpdatedAt = now
	return s.SavePool(pool)
}
