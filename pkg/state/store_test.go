package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestStorePutGetDelete(t *testing.T) {
	s := newTestStore(t)

	rec := &ActiveRecord{
		Name:       "docs",
		PID:        4242,
		MountPoint: "/srv/mounts/docs",
		StartedAt:  time.Now(),
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := s.Get("docs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected record to exist")
	}
	if got.PID != 4242 || got.MountPoint != "/srv/mounts/docs" {
		t.Errorf("Unexpected record: %+v", got)
	}

	if err := s.Delete("docs"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get("docs"); ok {
		t.Error("Expected record to be gone after Delete")
	}

	// Delete of a missing record is a no-op
	if err := s.Delete("docs"); err != nil {
		t.Errorf("Second Delete should be idempotent, got %v", err)
	}
}

func TestStoreRejectsDuplicateMountPath(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(&ActiveRecord{Name: "a", PID: 1, MountPoint: "/mnt/x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(&ActiveRecord{Name: "b", PID: 2, MountPoint: "/mnt/x"}); err == nil {
		t.Error("Expected Put to reject a second record for the same mount path")
	}

	// Replacing the same name's record at the same path is fine
	if err := s.Put(&ActiveRecord{Name: "a", PID: 3, MountPoint: "/mnt/x"}); err != nil {
		t.Errorf("Replacing record for same name failed: %v", err)
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s1 := NewStore(path)
	if err := s1.Put(&ActiveRecord{Name: "docs", PID: 7, MountPoint: "/mnt/docs"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s2 := NewStore(path)
	recs, err := s2.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 || recs["docs"].PID != 7 {
		t.Errorf("Expected persisted record, got %+v", recs)
	}
}

func TestStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	s := NewStore(path)
	_, err := s.List()
	if !errors.Is(err, utils.ErrStateStoreCorrupt) {
		t.Errorf("Expected ErrStateStoreCorrupt, got %v", err)
	}
}

func TestStoreRebuildFromObservation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	s := NewStore(path)
	err := s.Rebuild(func() ([]Observation, error) {
		return []Observation{
			{Name: "docs", PID: 100, MountPoint: "/mnt/docs"},
			{Name: "backup", PID: 200, MountPoint: "/mnt/backup"},
			{Name: "", PID: 300, MountPoint: "/mnt/unknown"},
		}, nil
	})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List after rebuild failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected 2 rebuilt records (nameless observation skipped), got %d", len(recs))
	}
	if recs["docs"].PID != 100 {
		t.Errorf("Unexpected rebuilt record: %+v", recs["docs"])
	}
}

func TestStoreFailureMemo(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(&ActiveRecord{Name: "docs", PID: 1, MountPoint: "/mnt/docs", Failures: 5}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.MarkFailed("docs", "helper process dead", 5); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Active record removed, memo present
	if _, ok, _ := s.Get("docs"); ok {
		t.Error("Expected active record removed by MarkFailed")
	}
	f, ok, err := s.GetFailure("docs")
	if err != nil || !ok {
		t.Fatalf("Expected failure memo, ok=%v err=%v", ok, err)
	}
	if f.Failures != 5 || f.Reason != "helper process dead" {
		t.Errorf("Unexpected failure memo: %+v", f)
	}

	if err := s.ClearFailure("docs"); err != nil {
		t.Fatalf("ClearFailure failed: %v", err)
	}
	if _, ok, _ := s.GetFailure("docs"); ok {
		t.Error("Expected failure memo cleared")
	}
	if err := s.ClearFailure("docs"); err != nil {
		t.Errorf("Second ClearFailure should be idempotent, got %v", err)
	}
}

func TestStoreNoTempFileResidue(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "state.json"))

	for i := 0; i < 5; i++ {
		if err := s.Put(&ActiveRecord{Name: "docs", PID: i + 1, MountPoint: "/mnt/docs"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only state.json after writes, got %v", names)
	}
}
