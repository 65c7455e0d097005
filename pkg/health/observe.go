package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/state"
)

const (
	// mountScanTimeout bounds mountinfo parsing; a corrupted or enormous
	// mount table must not hang the watchdog pass
	mountScanTimeout = 10 * time.Second

	// fuseFSTypePrefix marks mounts produced by FUSE-based helpers
	fuseFSTypePrefix = "fuse."
)

// HelperMounts returns the mountinfo entries for helper mounts under the
// base directory: fstype carries the fuse. prefix and the mountpoint sits
// below baseDir. These are the only mounts this system is willing to claim
// or clean up.
func HelperMounts(ctx context.Context, baseDir string) ([]*mountinfo.Info, error) {
	mounts, err := getMountsWithTimeout(ctx)
	if err != nil {
		return nil, err
	}

	base := filepath.Clean(baseDir) + string(filepath.Separator)
	var out []*mountinfo.Info
	for _, m := range mounts {
		if !strings.HasPrefix(m.FSType, fuseFSTypePrefix) {
			continue
		}
		if !strings.HasPrefix(m.Mountpoint, base) {
			continue
		}
		out = append(out, m)
	}

	klog.V(4).Infof("Found %d helper mounts under %s", len(out), baseDir)
	return out, nil
}

// getMountsWithTimeout parses the mount table in a goroutine and abandons it
// on timeout rather than hanging on a corrupted filesystem.
func getMountsWithTimeout(ctx context.Context) ([]*mountinfo.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, mountScanTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := mountinfo.GetMounts(nil)
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.mounts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("mount table scan timed out after %v: %w", mountScanTimeout, ctx.Err())
	}
}

// NewObserver returns an ObserveFunc that reconstructs active-mount records
// from the live system: helper mounts under baseDir, matched to helper
// processes by scanning /proc command lines. Mount names are recovered from
// the mountpoint basename, which is how computed mount paths are laid out.
func NewObserver(baseDir, helper string) state.ObserveFunc {
	return func() ([]state.Observation, error) {
		mounts, err := HelperMounts(context.Background(), baseDir)
		if err != nil {
			return nil, err
		}

		var out []state.Observation
		for _, m := range mounts {
			obs := state.Observation{
				Name:       filepath.Base(m.Mountpoint),
				MountPoint: m.Mountpoint,
			}
			if pid, err := findHelperPID(helper, m.Mountpoint); err == nil {
				obs.PID = pid
			} else {
				klog.Warningf("No helper process found for observed mount %s: %v", m.Mountpoint, err)
			}
			out = append(out, obs)
		}
		return out, nil
	}
}

// findHelperPID scans /proc for a process whose command line names both the
// helper executable and the mount path.
func findHelperPID(helper, mountPoint string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("failed to scan /proc: %w", err)
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := procCmdline(pid)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, helper) && strings.Contains(cmdline, mountPoint) {
			return pid, nil
		}
	}

	return 0, fmt.Errorf("no process matching helper %q and path %s", helper, mountPoint)
}
