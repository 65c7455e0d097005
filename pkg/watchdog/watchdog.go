// Package watchdog runs the periodic reconciliation loop: refresh health of
// every recorded mount, restart failed ones per policy, and clean up orphan
// mount points. One mount's failure never stops supervision of the others,
// and nothing here terminates the loop short of Stop or context cancel.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/config"
	"git.srvlab.io/whiskey/automnt/pkg/health"
	"git.srvlab.io/whiskey/automnt/pkg/launcher"
	"git.srvlab.io/whiskey/automnt/pkg/observability"
	"git.srvlab.io/whiskey/automnt/pkg/state"
	"git.srvlab.io/whiskey/automnt/pkg/supervisor"
	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

const (
	// DefaultInterval between watchdog passes
	DefaultInterval = 10 * time.Second

	// DefaultRetryCeiling is the consecutive-failure count at which the
	// watchdog gives up on a mount
	DefaultRetryCeiling = 5

	// restartRate bounds automatic restarts across all mounts, so a burst
	// of failures cannot turn into a relaunch storm
	restartRate = rate.Limit(1) // one restart per second sustained

	restartBurst = 3
)

// Config wires the watchdog to the rest of the system.
type Config struct {
	Registry   *config.Registry
	Store      *state.Store
	Leases     *state.LeaseManager
	Supervisor *supervisor.Supervisor
	Checker    health.Checker
	Launcher   launcher.Launcher

	// Observe rebuilds the record set if the state file turns out corrupt
	Observe state.ObserveFunc

	// Metrics is optional
	Metrics *observability.Metrics

	// Interval between passes; zero means DefaultInterval
	Interval time.Duration

	// RetryCeiling is the give-up threshold; zero means DefaultRetryCeiling
	RetryCeiling int
}

// Watchdog is the periodic reconciliation loop.
type Watchdog struct {
	config  Config
	limiter *rate.Limiter
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// injectable for testing
	listMounts func(ctx context.Context, baseDir string) ([]*mountinfo.Info, error)
}

// New creates a Watchdog. Defaults are applied for zero-valued knobs.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Leases == nil ||
		cfg.Supervisor == nil || cfg.Checker == nil || cfg.Launcher == nil {
		return nil, fmt.Errorf("watchdog config is missing a required component")
	}

	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryCeiling == 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}

	return &Watchdog{
		config:     cfg,
		limiter:    rate.NewLimiter(restartRate, restartBurst),
		stopCh:     make(chan struct{}),
		listMounts: health.HelperMounts,
	}, nil
}

// Start begins the loop in a goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	klog.Infof("Starting watchdog (interval=%v, retry_ceiling=%d)", w.config.Interval, w.config.RetryCeiling)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the loop and waits for the current pass to finish.
func (w *Watchdog) Stop() {
	klog.Info("Stopping watchdog")
	close(w.stopCh)
	w.wg.Wait()
	klog.Info("Watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	w.pass(ctx)

	for {
		select {
		case <-ticker.C:
			w.pass(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Pass runs one reconciliation cycle. Exported for the CLI's one-shot mode
// and for tests; the loop calls it on every tick.
func (w *Watchdog) Pass(ctx context.Context) {
	w.pass(ctx)
}

func (w *Watchdog) pass(ctx context.Context) {
	start := time.Now()
	klog.V(2).Info("Starting watchdog pass")

	records, err := w.listRecords()
	if err != nil {
		klog.Errorf("Watchdog pass aborted, cannot read state: %v", err)
		return
	}

	for name := range records {
		w.superviseMount(ctx, name)
	}

	w.reconcileOrphans(ctx)

	if w.config.Metrics != nil {
		w.config.Metrics.RecordWatchdogPass()
		w.updateGauges()
	}
	klog.V(2).Infof("Watchdog pass complete (duration=%v, records=%d)", time.Since(start), len(records))
}

// listRecords reads the active record set, rebuilding the state file from
// live observation if it is corrupt. The records are app-private, so a
// corrupt file is recoverable; aborting supervision over it is not.
func (w *Watchdog) listRecords() (map[string]*state.ActiveRecord, error) {
	records, err := w.config.Store.List()
	if err == nil {
		return records, nil
	}
	if !errors.Is(err, utils.ErrStateStoreCorrupt) || w.config.Observe == nil {
		return nil, err
	}

	klog.Warningf("State store corrupt, rebuilding from observation: %v", err)
	if err := w.config.Store.Rebuild(w.config.Observe); err != nil {
		return nil, fmt.Errorf("state rebuild failed: %w", err)
	}
	return w.config.Store.List()
}

// superviseMount applies the health/restart policy to one recorded mount
// under its lease.
func (w *Watchdog) superviseMount(ctx context.Context, name string) {
	lease, err := w.config.Leases.Acquire(name)
	if err != nil {
		klog.Errorf("Failed to acquire lease for mount %s: %v", name, err)
		return
	}

	// Re-read under the lease: a user operation may have won the race
	rec, ok, err := w.config.Store.Get(name)
	if err != nil || !ok {
		lease.Release()
		return
	}

	result := w.config.Checker.Check(ctx, rec)
	if w.config.Metrics != nil {
		w.config.Metrics.RecordHealthCheck(result.String())
	}

	if result == health.Healthy {
		rec.LastHealthy = time.Now()
		rec.Failures = 0
		if err := w.config.Store.Put(rec); err != nil {
			klog.Errorf("Failed to refresh record for mount %s: %v", name, err)
		}
		lease.Release()
		return
	}

	klog.Warningf("Mount %s unhealthy: %s (pid %d, path %s)", name, result, rec.PID, rec.MountPoint)

	resolved, err := w.config.Registry.Resolve(name)
	if err != nil {
		// Definition gone or invalid: nothing to restart into. Tear down.
		klog.Warningf("Mount %s has a record but no usable definition (%v), clearing", name, err)
		w.tearDown(ctx, rec)
		lease.Release()
		return
	}

	if !resolved.AutoRestart {
		klog.Infof("Mount %s failed (%s) and auto_restart is disabled, treating as stopped", name, result)
		w.tearDown(ctx, rec)
		lease.Release()
		return
	}

	failures := rec.Failures + 1
	if failures >= w.config.RetryCeiling {
		klog.Errorf("Mount %s failed %d consecutive times, giving up until a manual start", name, failures)
		if err := w.config.Launcher.Terminate(ctx, rec.PID, rec.MountPoint); errors.Is(err, utils.ErrTerminateFailure) {
			// Still mounted: keep the record so the leak stays visible
			klog.Errorf("Teardown of failed mount %s failed: %v", name, err)
			lease.Release()
			return
		}
		if err := w.config.Store.MarkFailed(name, result.String(), failures); err != nil {
			klog.Errorf("Failed to mark mount %s failed: %v", name, err)
		}
		lease.Release()
		return
	}

	// Persist the incremented counter before restarting, so a crash between
	// here and the relaunch still converges on the ceiling.
	rec.Failures = failures
	if err := w.config.Store.Put(rec); err != nil {
		klog.Errorf("Failed to persist failure counter for mount %s: %v", name, err)
		lease.Release()
		return
	}

	// Restart re-acquires the lease itself; release before delegating.
	lease.Release()

	if !w.limiter.Allow() {
		klog.Warningf("Restart of mount %s deferred to next pass (rate limited)", name)
		return
	}

	klog.Infof("Restarting mount %s (failure %d/%d, cause %s)", name, failures, w.config.RetryCeiling, result)
	err = w.config.Supervisor.Restart(ctx, name, failures)
	if w.config.Metrics != nil {
		w.config.Metrics.RecordRestart(err)
	}
	if err != nil {
		klog.Errorf("Restart of mount %s failed: %v", name, err)
		// A retryable failure keeps the mount under supervision; a
		// definition-level error means there is nothing left to restart into.
		if utils.IsRetryableError(err) {
			w.restoreRecord(rec)
		}
	}
}

// tearDown terminates a mount's helper and removes its record, unless the
// teardown itself fails with TerminateFailure, in which case the record is
// retained so the mount is not silently lost.
func (w *Watchdog) tearDown(ctx context.Context, rec *state.ActiveRecord) {
	if err := w.config.Launcher.Terminate(ctx, rec.PID, rec.MountPoint); errors.Is(err, utils.ErrTerminateFailure) {
		klog.Errorf("Teardown of mount %s failed: %v", rec.Name, err)
		return
	}
	if err := w.config.Store.Delete(rec.Name); err != nil {
		klog.Errorf("Failed to delete record for mount %s: %v", rec.Name, err)
	}
}

// restoreRecord writes a record back after a failed restart. The stale PID
// will read as ProcessDead on the next pass, which increments the counter
// again; the mount stays under supervision until the ceiling is reached.
func (w *Watchdog) restoreRecord(rec *state.ActiveRecord) {
	lease, err := w.config.Leases.Acquire(rec.Name)
	if err != nil {
		klog.Errorf("Failed to acquire lease for mount %s: %v", rec.Name, err)
		return
	}
	defer lease.Release()

	if _, ok, _ := w.config.Store.Get(rec.Name); ok {
		return
	}
	if err := w.config.Store.Put(rec); err != nil {
		klog.Errorf("Failed to restore record for mount %s: %v", rec.Name, err)
	}
}

// reconcileOrphans force-unmounts helper mounts under the base directory
// that have no active record: residue from a crash or external meddling,
// not something this system is willingly supervising.
func (w *Watchdog) reconcileOrphans(ctx context.Context) {
	baseDir := w.config.Registry.Global().MountBaseDir

	mounts, err := w.listMounts(ctx, baseDir)
	if err != nil {
		klog.Errorf("Orphan scan failed: %v", err)
		return
	}
	if len(mounts) == 0 {
		return
	}

	records, err := w.config.Store.List()
	if err != nil {
		klog.Errorf("Orphan scan cannot read records: %v", err)
		return
	}
	recordedPaths := make(map[string]bool, len(records))
	for _, rec := range records {
		recordedPaths[rec.MountPoint] = true
	}

	for _, m := range mounts {
		if recordedPaths[m.Mountpoint] {
			continue
		}
		klog.Warningf("Orphan mount detected at %s (fstype %s), force-unmounting", m.Mountpoint, m.FSType)
		if err := w.config.Launcher.ForceUnmount(m.Mountpoint); err != nil {
			klog.Errorf("Failed to unmount orphan %s: %v", m.Mountpoint, err)
			continue
		}
		if w.config.Metrics != nil {
			w.config.Metrics.RecordOrphanUnmounted()
		}
		klog.Infof("Unmounted orphan mount %s", m.Mountpoint)
	}
}

func (w *Watchdog) updateGauges() {
	records, err := w.config.Store.List()
	if err != nil {
		return
	}

	failed := 0
	for _, name := range w.config.Registry.ListNames(false) {
		if _, ok, _ := w.config.Store.GetFailure(name); ok {
			failed++
		}
	}
	w.config.Metrics.SetMountCounts(len(records), failed)
}
