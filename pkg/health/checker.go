// Package health determines liveness of recorded mounts. Two independent
// signals: does the recorded PID still belong to the expected helper process,
// and does the mount path answer a bounded read probe. The two failure modes
// need different recovery, so they are reported separately.
package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/state"
)

// Result classifies the health of a recorded mount.
type Result int

const (
	// Healthy: helper process alive and mount point responsive
	Healthy Result = iota

	// ProcessDead: the helper exited, or its PID now belongs to an
	// unrelated process. Recovery is a plain restart.
	ProcessDead

	// MountUnresponsive: the helper is alive but the filesystem does not
	// answer. Recovery must force-unmount before restarting, otherwise the
	// hung mount shadows the new one.
	MountUnresponsive
)

func (r Result) String() string {
	switch r {
	case Healthy:
		return "healthy"
	case ProcessDead:
		return "process_dead"
	case MountUnresponsive:
		return "mount_unresponsive"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Checker probes recorded mounts.
type Checker interface {
	Check(ctx context.Context, rec *state.ActiveRecord) Result
}

// procChecker implements Checker against /proc and the live filesystem.
type procChecker struct {
	helper       string
	probeTimeout time.Duration

	procCmdline  func(pid int) (string, error)
	isMountPoint func(path string) (bool, error)
	readProbe    func(path string) error
}

// NewChecker creates a Checker that expects helper processes launched from
// the given executable and bounds filesystem probes by probeTimeout.
func NewChecker(helper string, probeTimeout time.Duration) Checker {
	return &procChecker{
		helper:       helper,
		probeTimeout: probeTimeout,
		procCmdline:  procCmdline,
		isMountPoint: func(path string) (bool, error) { return mountinfo.Mounted(path) },
		readProbe: func(path string) error {
			_, err := os.ReadDir(path)
			return err
		},
	}
}

func (c *procChecker) Check(ctx context.Context, rec *state.ActiveRecord) Result {
	if !c.processMatches(rec) {
		return ProcessDead
	}

	if !c.mountResponsive(ctx, rec.MountPoint) {
		return MountUnresponsive
	}

	klog.V(4).Infof("Mount %s healthy (pid %d, path %s)", rec.Name, rec.PID, rec.MountPoint)
	return Healthy
}

// processMatches verifies the recorded PID is still the helper we launched.
// PID existence alone is not enough: the kernel reuses PIDs, and declaring an
// unrelated process "our helper" would make a dead mount look alive forever.
// The command line must name both the helper executable and the mount path.
func (c *procChecker) processMatches(rec *state.ActiveRecord) bool {
	cmdline, err := c.procCmdline(rec.PID)
	if err != nil {
		klog.V(3).Infof("Helper pid %d for mount %s gone: %v", rec.PID, rec.Name, err)
		return false
	}

	if !strings.Contains(cmdline, c.helper) || !strings.Contains(cmdline, rec.MountPoint) {
		klog.Warningf("PID %d no longer runs the helper for mount %s (cmdline %q), treating as dead",
			rec.PID, rec.Name, cmdline)
		return false
	}

	return true
}

// mountResponsive checks that the path registers as a mount point and that a
// directory read completes within the probe timeout. Both checks run in a
// goroutine with a select timeout: a hung FUSE mount blocks the syscall
// indefinitely, and the probe must never take the caller down with it. The
// goroutine is abandoned on timeout; it unblocks whenever the kernel gives up.
func (c *procChecker) mountResponsive(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	type result struct {
		mounted bool
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounted, err := c.isMountPoint(path)
		if err == nil && mounted {
			err = c.readProbe(path)
		}
		resultCh <- result{mounted: mounted, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			klog.V(3).Infof("Probe of %s failed: %v", path, res.err)
			return false
		}
		if !res.mounted {
			klog.V(3).Infof("Path %s is not a mount point", path)
			return false
		}
		return true
	case <-ctx.Done():
		klog.Warningf("Probe of %s timed out after %v, mount is unresponsive", path, c.probeTimeout)
		return false
	}
}

// procCmdline reads /proc/<pid>/cmdline with NUL separators flattened to
// spaces.
func procCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " ")), nil
}
