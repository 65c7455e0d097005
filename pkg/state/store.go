// Package state persists the runtime record set: which mount helpers are
// running, where, and how often they have failed. The file on disk is the
// single source of truth for "what is currently running"; every write goes
// through a stage-then-replace cycle so readers never observe a partial
// record set, even across a crash.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

// fileState is the on-disk document: active records plus the failed-mount
// memo that survives record removal.
type fileState struct {
	Active map[string]*ActiveRecord  `json:"active"`
	Failed map[string]*FailureRecord `json:"failed,omitempty"`
}

func newFileState() *fileState {
	return &fileState{
		Active: make(map[string]*ActiveRecord),
		Failed: make(map[string]*FailureRecord),
	}
}

// Store is the file-backed runtime state store. The in-process mutex
// serializes read-modify-write cycles; per-name exclusion across operations
// is the LeaseManager's job, not the store's.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the given file. The file is created on
// first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the active record for a mount name, if one exists.
func (s *Store) Get(name string) (*ActiveRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := st.Active[name]
	return rec, ok, nil
}

// List returns a copy of all active records.
func (s *Store) List() (map[string]*ActiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ActiveRecord, len(st.Active))
	for name, rec := range st.Active {
		cp := *rec
		out[name] = &cp
	}
	return out, nil
}

// Put writes an active record, replacing any previous record for the same
// name. Rejects a record whose mount path is already claimed by a different
// name: no two records may reference the same path simultaneously.
func (s *Store) Put(rec *ActiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}

	for name, other := range st.Active {
		if name != rec.Name && other.MountPoint == rec.MountPoint {
			return fmt.Errorf("mount path %s already recorded for mount %q", rec.MountPoint, name)
		}
	}

	cp := *rec
	st.Active[rec.Name] = &cp
	return s.save(st)
}

// Delete removes the active record for a name. Idempotent.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.Active[name]; !ok {
		return nil
	}
	delete(st.Active, name)
	return s.save(st)
}

// GetFailure returns the failed-mount memo for a name, if present.
func (s *Store) GetFailure(name string) (*FailureRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, false, err
	}
	f, ok := st.Failed[name]
	return f, ok, nil
}

// MarkFailed records that a mount hit the retry ceiling and removes its
// active record in the same write.
func (s *Store) MarkFailed(name, reason string, failures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	delete(st.Active, name)
	st.Failed[name] = &FailureRecord{
		Failures: failures,
		Reason:   reason,
		FailedAt: time.Now(),
	}
	return s.save(st)
}

// ClearFailure drops the failed-mount memo, re-arming the watchdog's restart
// policy. Called from the user-initiated start path. Idempotent.
func (s *Store) ClearFailure(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.Failed[name]; !ok {
		return nil
	}
	delete(st.Failed, name)
	return s.save(st)
}

// ObserveFunc enumerates externally observed helper mounts for state rebuild.
type ObserveFunc func() ([]Observation, error)

// Rebuild replaces the record set with one reconstructed from live
// process/mount observation. Used when the state file is corrupt: the file
// is app-private, so losing it is recoverable as long as reality can be
// re-observed. Failure counters and the failed-mount memo do not survive.
func (s *Store) Rebuild(observe ObserveFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	observed, err := observe()
	if err != nil {
		return fmt.Errorf("failed to observe live mounts: %w", err)
	}

	st := newFileState()
	now := time.Now()
	for _, obs := range observed {
		if obs.Name == "" {
			continue
		}
		st.Active[obs.Name] = &ActiveRecord{
			Name:       obs.Name,
			PID:        obs.PID,
			MountPoint: obs.MountPoint,
			StartedAt:  now,
		}
		klog.V(2).Infof("Rebuilt record for mount %s (pid %d, path %s)", obs.Name, obs.PID, obs.MountPoint)
	}

	klog.Infof("State rebuild complete: %d records recovered", len(st.Active))
	return s.save(st)
}

// load reads and decodes the state file. A missing file is an empty state;
// an undecodable file is ErrStateStoreCorrupt.
func (s *Store) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newFileState(), nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	st := newFileState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("state file %s: %v: %w", s.path, err, utils.ErrStateStoreCorrupt)
	}
	if st.Active == nil {
		st.Active = make(map[string]*ActiveRecord)
	}
	if st.Failed == nil {
		st.Failed = make(map[string]*FailureRecord)
	}
	return st, nil
}

// save stages the full record set to a temp file in the same directory, then
// renames it over the live file. Rename is atomic on the same filesystem, so
// a crash mid-write leaves either the old or the new record set, never a mix.
func (s *Store) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to stage state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write staged state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync staged state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close staged state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
