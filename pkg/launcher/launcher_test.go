package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"git.srvlab.io/whiskey/automnt/pkg/config"
	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

func testMount(t *testing.T) *config.ResolvedMount {
	t.Helper()
	return &config.ResolvedMount{
		Name:       "docs",
		RemoteName: "gdrive:",
		RemoteType: "drive",
		MountPoint: filepath.Join(t.TempDir(), "docs"),
		Options:    []string{"--read-only", "--buffer-size", "32M"},
	}
}

func TestHelperArgs(t *testing.T) {
	m := testMount(t)
	args := HelperArgs(m)

	want := []string{"mount", "gdrive:", m.MountPoint, "--read-only", "--buffer-size", "32M"}
	if len(args) != len(want) {
		t.Fatalf("Expected %d args, got %v", len(want), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("Arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}
}

func TestLaunchHelperMissing(t *testing.T) {
	l := New("definitely-not-a-real-helper-binary", time.Second)

	_, err := l.Launch(context.Background(), testMount(t))
	if !errors.Is(err, utils.ErrLaunchFailure) {
		t.Errorf("Expected ErrLaunchFailure for missing helper, got %v", err)
	}
}

func TestLaunchRefusesAlreadyMountedPath(t *testing.T) {
	l := &execLauncher{
		helper:       "true",
		grace:        time.Second,
		execCommand:  exec.Command,
		isMountPoint: func(string) (bool, error) { return true, nil },
		processAlive: processAlive,
	}

	_, err := l.Launch(context.Background(), testMount(t))
	if !errors.Is(err, utils.ErrLaunchFailure) {
		t.Errorf("Expected ErrLaunchFailure for already-mounted path, got %v", err)
	}
}

func TestLaunchStartsProcess(t *testing.T) {
	launched := false
	l := &execLauncher{
		helper: "sleep",
		grace:  time.Second,
		execCommand: func(name string, args ...string) *exec.Cmd {
			launched = true
			// Substitute an innocuous command with the same lifetime shape
			return exec.Command("sleep", "30")
		},
		isMountPoint: func(string) (bool, error) { return false, nil },
		processAlive: processAlive,
	}

	h, err := l.Launch(context.Background(), testMount(t))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if !launched {
		t.Error("Expected execCommand to be invoked")
	}
	if h.PID <= 0 {
		t.Errorf("Expected a real PID, got %d", h.PID)
	}
	if !processAlive(h.PID) {
		t.Error("Expected launched process to be alive")
	}

	if err := l.Terminate(context.Background(), h.PID, "/nonexistent"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
}

func TestTerminateKillsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start test process: %v", err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait()

	l := &execLauncher{
		helper:       "sleep",
		grace:        2 * time.Second,
		execCommand:  exec.Command,
		isMountPoint: func(string) (bool, error) { return false, nil },
		processAlive: processAlive,
	}

	if err := l.Terminate(context.Background(), pid, "/nonexistent"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	// Allow the reaper a moment before asserting
	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(pid) {
		t.Errorf("Expected pid %d to be terminated", pid)
	}
}

func TestTerminateGonePIDIsNoOp(t *testing.T) {
	l := &execLauncher{
		helper:       "sleep",
		grace:        time.Second,
		execCommand:  exec.Command,
		isMountPoint: func(string) (bool, error) { return false, nil },
		processAlive: func(int) bool { return false },
	}

	// PID 1 is definitely not ours; processAlive stub says it is gone
	if err := l.Terminate(context.Background(), 999999, "/nonexistent"); err != nil {
		t.Errorf("Terminate of a dead pid should succeed, got %v", err)
	}
}

func TestTerminateSurfacesMountCheckFailure(t *testing.T) {
	l := &execLauncher{
		helper:       "sleep",
		grace:        100 * time.Millisecond,
		execCommand:  exec.Command,
		isMountPoint: func(string) (bool, error) { return false, errors.New("permission denied") },
		processAlive: func(int) bool { return false },
	}

	// A path whose mount state cannot be verified may still carry a live
	// mount; treating it as unmounted would leak it
	err := l.Terminate(context.Background(), 999999, "/mnt/opaque")
	if !errors.Is(err, utils.ErrTerminateFailure) {
		t.Errorf("Expected ErrTerminateFailure when the mount check fails, got %v", err)
	}
}

func TestTerminateMissingMountPointIsClean(t *testing.T) {
	l := &execLauncher{
		helper:       "sleep",
		grace:        100 * time.Millisecond,
		execCommand:  exec.Command,
		isMountPoint: func(string) (bool, error) { return false, os.ErrNotExist },
		processAlive: func(int) bool { return false },
	}

	if err := l.Terminate(context.Background(), 999999, "/mnt/gone"); err != nil {
		t.Errorf("A missing mount point carries no mount, expected success, got %v", err)
	}
}

func TestTerminateSurfacesUnmountFailure(t *testing.T) {
	l := &execLauncher{
		helper: "sleep",
		grace:  100 * time.Millisecond,
		execCommand: func(name string, args ...string) *exec.Cmd {
			// Both fusermount and umount fail
			return exec.Command("false")
		},
		isMountPoint: func(string) (bool, error) { return true, nil },
		processAlive: func(int) bool { return false },
	}

	err := l.Terminate(context.Background(), 999999, "/mnt/stuck")
	if !errors.Is(err, utils.ErrTerminateFailure) {
		t.Errorf("Expected ErrTerminateFailure when force unmount fails, got %v", err)
	}
}
