package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func loadTestRegistry(t *testing.T, configJSON, mountsJSON string) *Registry {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.json")
	if configJSON != "" {
		writeFile(t, configPath, configJSON)
	}

	mountsPath := filepath.Join(dir, "mounts.json")
	if mountsJSON != "" {
		writeFile(t, mountsPath, mountsJSON)
	}

	r, err := Load(configPath, mountsPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r
}

func TestLoadGlobalDefaults(t *testing.T) {
	r := loadTestRegistry(t, "", "")
	g := r.Global()

	if g.WatchdogIntervalSeconds != 10 {
		t.Errorf("Expected default watchdog interval 10, got %d", g.WatchdogIntervalSeconds)
	}
	if g.RetryCeiling != 5 {
		t.Errorf("Expected default retry ceiling 5, got %d", g.RetryCeiling)
	}
	if g.HelperCommand != "rclone" {
		t.Errorf("Expected default helper command rclone, got %q", g.HelperCommand)
	}
	if !g.DefaultEnable {
		t.Error("Expected default_enable true")
	}
	if g.DefaultAutoRestart {
		t.Error("Expected default_auto_restart false")
	}
	if g.MountBaseDir == "" {
		t.Error("Expected mount base dir to be derived from home directory")
	}
}

func TestLoadGlobalOverrides(t *testing.T) {
	configJSON := `{"global_config": {"watchdog_interval": 30, "mount_base_dir": "/srv/mounts", "retry_ceiling": 2}}`
	r := loadTestRegistry(t, configJSON, "")
	g := r.Global()

	if g.WatchdogIntervalSeconds != 30 {
		t.Errorf("Expected watchdog interval 30, got %d", g.WatchdogIntervalSeconds)
	}
	if g.MountBaseDir != "/srv/mounts" {
		t.Errorf("Expected base dir /srv/mounts, got %q", g.MountBaseDir)
	}
	if g.RetryCeiling != 2 {
		t.Errorf("Expected retry ceiling 2, got %d", g.RetryCeiling)
	}
	// Untouched keys keep embedded defaults
	if g.HelperCommand != "rclone" {
		t.Errorf("Expected helper command rclone, got %q", g.HelperCommand)
	}
}

const testMounts = `[
    {"name": "docs", "remote": {"name": "gdrive:", "type": "drive"}},
    {"name": "backup", "remote": {"name": "s3:bucket", "type": "s3"},
     "mount_point": "/mnt/backup", "options": ["--read-only"],
     "auto_restart": true, "enable": true, "description": "nightly backup"},
    {"name": "scratch", "remote": {"name": "mega:", "type": "mega"}, "enable": false},
    {"name": "broken", "remote": {"name": "", "type": ""}}
]`

func TestResolveMergesDefaults(t *testing.T) {
	configJSON := `{"global_config": {"mount_base_dir": "/srv/mounts"}}`
	r := loadTestRegistry(t, configJSON, testMounts)

	m, err := r.Resolve("docs")
	if err != nil {
		t.Fatalf("Resolve(docs) failed: %v", err)
	}

	if m.MountPoint != "/srv/mounts/docs" {
		t.Errorf("Expected computed mount point /srv/mounts/docs, got %q", m.MountPoint)
	}
	if m.AutoRestart {
		t.Error("Expected auto_restart to fall back to global default (false)")
	}
	if !m.Enable {
		t.Error("Expected enable to fall back to global default (true)")
	}
	if m.Description != "No description provided" {
		t.Errorf("Expected default description, got %q", m.Description)
	}
	if len(m.Options) == 0 || m.Options[0] != "--vfs-cache-mode" {
		t.Errorf("Expected global default options, got %v", m.Options)
	}
}

func TestResolveMountLevelOverrides(t *testing.T) {
	configJSON := `{"global_config": {"mount_base_dir": "/srv/mounts"}}`
	r := loadTestRegistry(t, configJSON, testMounts)

	m, err := r.Resolve("backup")
	if err != nil {
		t.Fatalf("Resolve(backup) failed: %v", err)
	}

	if m.MountPoint != "/mnt/backup" {
		t.Errorf("Expected explicit mount point /mnt/backup, got %q", m.MountPoint)
	}
	if !m.AutoRestart {
		t.Error("Expected mount-level auto_restart true")
	}
	// Mount-level options replace the global list wholesale
	if len(m.Options) != 1 || m.Options[0] != "--read-only" {
		t.Errorf("Expected options [--read-only], got %v", m.Options)
	}
	if m.Description != "nightly backup" {
		t.Errorf("Expected mount-level description, got %q", m.Description)
	}
}

func TestResolveUnknownMount(t *testing.T) {
	r := loadTestRegistry(t, "", testMounts)

	_, err := r.Resolve("nope")
	if !errors.Is(err, utils.ErrUnknownMount) {
		t.Errorf("Expected ErrUnknownMount, got %v", err)
	}
}

func TestResolveInvalidDefinition(t *testing.T) {
	r := loadTestRegistry(t, "", testMounts)

	_, err := r.Resolve("broken")
	if !errors.Is(err, utils.ErrInvalidDefinition) {
		t.Errorf("Expected ErrInvalidDefinition for mount with empty remote, got %v", err)
	}
}

func TestResolveEscapingNameRejected(t *testing.T) {
	configJSON := `{"global_config": {"mount_base_dir": "/srv/mounts"}}`
	mountsJSON := `[{"name": "../etc", "remote": {"name": "r:", "type": "s3"}}]`
	r := loadTestRegistry(t, configJSON, mountsJSON)

	_, err := r.Resolve("../etc")
	if !errors.Is(err, utils.ErrInvalidDefinition) {
		t.Errorf("Expected ErrInvalidDefinition for escaping path, got %v", err)
	}
}

func TestListNames(t *testing.T) {
	r := loadTestRegistry(t, "", testMounts)

	all := r.ListNames(false)
	if len(all) != 4 {
		t.Errorf("Expected 4 names, got %v", all)
	}

	enabled := r.ListNames(true)
	// scratch is disabled, broken is invalid
	if len(enabled) != 2 {
		t.Errorf("Expected 2 enabled names, got %v", enabled)
	}
	for _, name := range enabled {
		if name == "scratch" || name == "broken" {
			t.Errorf("Name %q should not be listed as enabled", name)
		}
	}
}

func TestAddAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mountsPath := filepath.Join(dir, "mounts.json")

	r, err := Load(filepath.Join(dir, "config.json"), mountsPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := MountDefinition{
		Name:       "imported",
		Remote:     Remote{Name: "imported:", Type: "unknown"},
		MountPoint: "/mnt/imported",
	}
	if !r.Add(def) {
		t.Fatal("Add of new definition returned false")
	}
	if r.Add(def) {
		t.Error("Add of duplicate definition returned true")
	}
	if err := r.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	r2, err := Load(filepath.Join(dir, "config.json"), mountsPath)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, err := r2.Resolve("imported"); err != nil {
		t.Errorf("Resolve after reload failed: %v", err)
	}
}
