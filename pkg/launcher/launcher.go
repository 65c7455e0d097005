// Package launcher spawns and terminates the external mount-helper
// subprocess for one resolved mount. It carries no policy: readiness waits,
// restart decisions and record keeping belong to the supervisor and watchdog.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/config"
	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

const (
	// terminatePollInterval is how often the grace-period wait rechecks the
	// helper process
	terminatePollInterval = 100 * time.Millisecond
)

// Handle identifies a launched helper process.
type Handle struct {
	// PID of the helper
	PID int
}

// Launcher starts and stops mount-helper subprocesses.
type Launcher interface {
	// Launch spawns the helper for a resolved mount. It does not wait for
	// the mount to become ready.
	Launch(ctx context.Context, m *config.ResolvedMount) (*Handle, error)

	// Terminate sends SIGTERM, waits up to the grace period, then SIGKILLs
	// and force-unmounts the path. On success the path is no longer an
	// active mount point.
	Terminate(ctx context.Context, pid int, mountPoint string) error

	// ForceUnmount detaches a mount point without touching any process.
	// Used for orphan mounts that have no recorded helper.
	ForceUnmount(mountPoint string) error
}

// execLauncher implements Launcher using system commands.
type execLauncher struct {
	helper string
	grace  time.Duration

	execCommand  func(name string, args ...string) *exec.Cmd
	isMountPoint func(path string) (bool, error)
	processAlive func(pid int) bool
}

// New creates a Launcher that runs the given helper executable and allows
// helpers the given grace period between SIGTERM and SIGKILL.
func New(helper string, grace time.Duration) Launcher {
	return &execLauncher{
		helper:       helper,
		grace:        grace,
		execCommand:  exec.Command,
		isMountPoint: func(path string) (bool, error) { return mountinfo.Mounted(path) },
		processAlive: processAlive,
	}
}

// HelperArgs builds the helper command line for a resolved mount:
// `<helper> mount <remote> <path> [options...]`.
func HelperArgs(m *config.ResolvedMount) []string {
	args := []string{"mount", m.RemoteName, m.MountPoint}
	return append(args, m.Options...)
}

func (l *execLauncher) Launch(ctx context.Context, m *config.ResolvedMount) (*Handle, error) {
	if _, err := exec.LookPath(l.helper); err != nil {
		return nil, fmt.Errorf("mount helper %q not found: %v: %w", l.helper, err, utils.ErrLaunchFailure)
	}

	if mounted, err := l.isMountPoint(m.MountPoint); err == nil && mounted {
		return nil, fmt.Errorf("path %s is already a mount point: %w", m.MountPoint, utils.ErrLaunchFailure)
	}

	if err := os.MkdirAll(m.MountPoint, 0750); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %v: %w", m.MountPoint, err, utils.ErrLaunchFailure)
	}

	args := HelperArgs(m)
	klog.V(2).Infof("Launching helper for mount %s: %s %v", m.Name, l.helper, args)

	cmd := l.execCommand(l.helper, args...)
	// Own session: the helper must survive this CLI invocation and must not
	// receive the controlling terminal's signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start helper for mount %s: %v: %w", m.Name, err, utils.ErrLaunchFailure)
	}

	// Reap the child if it exits while we are still running (watchdog mode).
	go func() {
		if err := cmd.Wait(); err != nil {
			klog.V(4).Infof("Helper for mount %s exited: %v", m.Name, err)
		}
	}()

	klog.Infof("Started mount %s (pid %d, path %s)", m.Name, cmd.Process.Pid, m.MountPoint)
	return &Handle{PID: cmd.Process.Pid}, nil
}

func (l *execLauncher) Terminate(ctx context.Context, pid int, mountPoint string) error {
	klog.V(2).Infof("Terminating helper pid %d (path %s)", pid, mountPoint)

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		klog.Warningf("SIGTERM to pid %d failed: %v", pid, err)
	}

	if !l.waitForExit(ctx, pid) {
		klog.Warningf("Helper pid %d did not exit within %v, sending SIGKILL", pid, l.grace)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			klog.Warningf("SIGKILL to pid %d failed: %v", pid, err)
		}
	}

	return l.ensureUnmounted(mountPoint)
}

func (l *execLauncher) ForceUnmount(mountPoint string) error {
	return l.ensureUnmounted(mountPoint)
}

// waitForExit polls until the process is gone, the grace period elapses, or
// the context is cancelled. Returns true if the process exited.
func (l *execLauncher) waitForExit(ctx context.Context, pid int) bool {
	deadline := time.Now().Add(l.grace)
	for {
		if !l.processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(terminatePollInterval):
		}
	}
}

// ensureUnmounted force-unmounts the path if it is still a mount point.
// A path that stays mounted after both unmount attempts is TerminateFailure:
// surfaced, never swallowed, because losing track of a live mount leaks it.
// The same goes for a path whose mount state cannot be verified at all; only
// a missing path is known to carry no mount.
func (l *execLauncher) ensureUnmounted(mountPoint string) error {
	mounted, err := l.isMountPoint(mountPoint)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cannot verify mount point %s: %v: %w", mountPoint, err, utils.ErrTerminateFailure)
	}
	if !mounted {
		return nil
	}

	klog.V(2).Infof("Path %s still mounted after helper exit, force-unmounting", mountPoint)
	if out, err := l.execCommand("fusermount", "-u", mountPoint).CombinedOutput(); err != nil {
		klog.V(4).Infof("fusermount -u %s failed: %v, output: %s", mountPoint, err, string(out))
		if out, err := l.execCommand("umount", "-l", mountPoint).CombinedOutput(); err != nil {
			return fmt.Errorf("force unmount of %s failed: %v, output: %s: %w",
				mountPoint, err, string(out), utils.ErrTerminateFailure)
		}
	}

	if mounted, err := l.isMountPoint(mountPoint); err == nil && mounted {
		return fmt.Errorf("path %s remains mounted after force unmount: %w", mountPoint, utils.ErrTerminateFailure)
	}

	klog.V(2).Infof("Force-unmounted %s", mountPoint)
	return nil
}

// processAlive reports whether a process with the given PID exists. Signal 0
// probes existence without delivering anything; EPERM still means "exists".
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
