// Package supervisor orchestrates mount lifecycle: start, stop and status.
// It owns the invariants the rest of the system relies on: at most one
// active record (and one helper process) per mount name, idempotent starts,
// and no state transition outside a per-name lease.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/config"
	"git.srvlab.io/whiskey/automnt/pkg/health"
	"git.srvlab.io/whiskey/automnt/pkg/launcher"
	"git.srvlab.io/whiskey/automnt/pkg/observability"
	"git.srvlab.io/whiskey/automnt/pkg/state"
	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

// Result is the outcome of one mount's share of a batch operation.
// Per-name failures are isolated: one mount failing never aborts the rest.
type Result struct {
	Name string
	Err  error
}

// MountState classifies a mount for status reporting.
type MountState string

const (
	StateNotRunning MountState = "not_running"
	StateHealthy    MountState = "healthy"
	StateDegraded   MountState = "degraded"
	StateDisabled   MountState = "disabled"

	// StateUnknown reports names that could not be assessed at all: no such
	// definition, or the state store was unreadable.
	StateUnknown MountState = "unknown"
)

// StatusInfo is one mount's status line.
type StatusInfo struct {
	Name       string
	State      MountState
	Reason     string
	PID        int
	MountPoint string
	StartedAt  time.Time
	Err        error
}

// Supervisor coordinates the registry, state store, launcher and checker.
type Supervisor struct {
	registry *config.Registry
	store    *state.Store
	leases   *state.LeaseManager
	launcher launcher.Launcher
	checker  health.Checker
	breakers *launchBreakers
	metrics  *observability.Metrics

	readinessTimeout time.Duration
}

// New creates a Supervisor. The lease manager is shared with the watchdog so
// both sides observe the same per-name exclusion.
func New(registry *config.Registry, store *state.Store, leases *state.LeaseManager,
	l launcher.Launcher, checker health.Checker) *Supervisor {
	return &Supervisor{
		registry:         registry,
		store:            store,
		leases:           leases,
		launcher:         l,
		checker:          checker,
		breakers:         newLaunchBreakers(),
		readinessTimeout: registry.Global().ReadinessTimeout(),
	}
}

// SetMetrics attaches Prometheus metrics. Optional; nil-safe throughout.
func (s *Supervisor) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Start brings up the named mounts. Per name: resolve, skip if disabled,
// no-op if already healthy, replace if present but unhealthy, otherwise
// launch and wait for the mount to report healthy before recording it.
// User-initiated: clears the failed-mount memo and re-arms the launch
// breaker for each name.
func (s *Supervisor) Start(ctx context.Context, names []string) []Result {
	results := make([]Result, 0, len(names))
	for _, name := range names {
		s.breakers.Reset(name)
		err := s.startOne(ctx, name, 0, false)
		if err != nil {
			klog.Errorf("Start of mount %s failed: %v", name, err)
		}
		results = append(results, Result{Name: name, Err: err})
	}
	return results
}

// Restart is the watchdog's restart primitive: like a single-name start, but
// carries the consecutive-failure counter into the new record and does not
// reset the launch breaker. It acts only on mounts that still have an active
// record; if the record is gone by the time the lease is held, a user stop
// won the race and the restart becomes a no-op rather than resurrecting the
// mount.
func (s *Supervisor) Restart(ctx context.Context, name string, failures int) error {
	return s.startOne(ctx, name, failures, true)
}

func (s *Supervisor) startOne(ctx context.Context, name string, failures int, requireRecord bool) error {
	begin := time.Now()
	lease, err := s.leases.Acquire(name)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = s.startLocked(ctx, name, failures, requireRecord)
	if s.metrics != nil {
		s.metrics.RecordMountOp("start", err, time.Since(begin))
	}
	return err
}

func (s *Supervisor) startLocked(ctx context.Context, name string, failures int, requireRecord bool) error {
	resolved, err := s.registry.Resolve(name)
	if err != nil {
		return err
	}
	if !resolved.Enable {
		return fmt.Errorf("mount %q: %w", name, utils.ErrMountDisabled)
	}

	if rec, ok, err := s.store.Get(name); err != nil {
		return err
	} else if ok {
		if s.checker.Check(ctx, rec) == health.Healthy {
			klog.V(2).Infof("Mount %s already running and healthy (pid %d), nothing to do", name, rec.PID)
			return s.store.ClearFailure(name)
		}
		klog.Warningf("Mount %s has a record (pid %d) but is unhealthy, replacing", name, rec.PID)
		if err := s.stopLocked(ctx, rec); err != nil {
			return err
		}
	} else if requireRecord {
		klog.V(2).Infof("Mount %s no longer has an active record, restart skipped", name)
		return nil
	}

	var handle *launcher.Handle
	err = s.breakers.Execute(name, func() error {
		var launchErr error
		handle, launchErr = s.launcher.Launch(ctx, resolved)
		return launchErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("mount %q: launch suppressed by circuit breaker: %w", name, utils.ErrLaunchFailure)
		}
		return err
	}

	rec := &state.ActiveRecord{
		Name:       name,
		PID:        handle.PID,
		MountPoint: resolved.MountPoint,
		StartedAt:  time.Now(),
		Failures:   failures,
	}

	if err := s.waitHealthy(ctx, rec); err != nil {
		klog.Warningf("Mount %s did not become healthy within %v, terminating pid %d",
			name, s.readinessTimeout, handle.PID)
		if termErr := s.launcher.Terminate(ctx, handle.PID, resolved.MountPoint); termErr != nil {
			klog.Errorf("Cleanup of failed launch for mount %s failed: %v", name, termErr)
		}
		return fmt.Errorf("mount %q: not healthy after %v: %w", name, s.readinessTimeout, utils.ErrLaunchFailure)
	}

	rec.LastHealthy = time.Now()
	if err := s.store.Put(rec); err != nil {
		return err
	}
	if err := s.store.ClearFailure(name); err != nil {
		return err
	}

	klog.Infof("Mount %s started (pid %d, path %s)", name, rec.PID, rec.MountPoint)
	return nil
}

// waitHealthy polls the checker with exponential backoff until the mount
// reports healthy or the readiness timeout elapses.
func (s *Supervisor) waitHealthy(ctx context.Context, rec *state.ActiveRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.readinessTimeout

	return backoff.Retry(func() error {
		if res := s.checker.Check(ctx, rec); res != health.Healthy {
			return fmt.Errorf("mount %s not ready: %s", rec.Name, res)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Stop tears down the named mounts. A name with no record is a no-op.
// The record is deleted whatever terminate reports, except TerminateFailure:
// that is surfaced and the record retained, so a retry stays possible and a
// still-mounted path is never silently forgotten.
func (s *Supervisor) Stop(ctx context.Context, names []string) []Result {
	results := make([]Result, 0, len(names))
	for _, name := range names {
		err := s.stopOne(ctx, name)
		if err != nil {
			klog.Errorf("Stop of mount %s failed: %v", name, err)
		}
		results = append(results, Result{Name: name, Err: err})
	}
	return results
}

func (s *Supervisor) stopOne(ctx context.Context, name string) error {
	begin := time.Now()
	lease, err := s.leases.Acquire(name)
	if err != nil {
		return err
	}
	defer lease.Release()

	rec, ok, err := s.store.Get(name)
	if err != nil {
		return err
	}
	if !ok {
		klog.V(2).Infof("Mount %s has no active record, nothing to stop", name)
		return nil
	}

	err = s.stopLocked(ctx, rec)
	if s.metrics != nil {
		s.metrics.RecordMountOp("stop", err, time.Since(begin))
	}
	return err
}

func (s *Supervisor) stopLocked(ctx context.Context, rec *state.ActiveRecord) error {
	err := s.launcher.Terminate(ctx, rec.PID, rec.MountPoint)
	if errors.Is(err, utils.ErrTerminateFailure) {
		return fmt.Errorf("mount %q: %w", rec.Name, err)
	}
	if err != nil {
		klog.Warningf("Terminate of mount %s reported: %v (record removed anyway)", rec.Name, err)
	}

	if err := s.store.Delete(rec.Name); err != nil {
		return err
	}

	klog.Infof("Mount %s stopped (was pid %d)", rec.Name, rec.PID)
	return nil
}

// Status reports the state of the named mounts, or of every defined mount
// when names is empty. Status always re-probes live mounts; it never trusts
// a stale record alone.
func (s *Supervisor) Status(ctx context.Context, names []string) []StatusInfo {
	if len(names) == 0 {
		names = s.registry.ListNames(false)
	}

	infos := make([]StatusInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, s.statusOne(ctx, name))
	}
	return infos
}

func (s *Supervisor) statusOne(ctx context.Context, name string) StatusInfo {
	info := StatusInfo{Name: name}

	lease, err := s.leases.Acquire(name)
	if err != nil {
		info.State = StateUnknown
		info.Reason = err.Error()
		info.Err = err
		return info
	}
	defer lease.Release()

	resolved, err := s.registry.Resolve(name)
	if err != nil {
		if errors.Is(err, utils.ErrInvalidDefinition) {
			info.State = StateDegraded
			info.Reason = "invalid definition"
			return info
		}
		info.State = StateUnknown
		info.Reason = err.Error()
		info.Err = err
		return info
	}

	rec, ok, err := s.store.Get(name)
	if err != nil {
		info.State = StateUnknown
		info.Reason = err.Error()
		info.Err = err
		return info
	}

	if !ok {
		if failure, failed, _ := s.store.GetFailure(name); failed {
			info.State = StateDegraded
			info.Reason = fmt.Sprintf("failed after %d attempts: %s", failure.Failures, failure.Reason)
			return info
		}
		if !resolved.Enable {
			info.State = StateDisabled
			return info
		}
		info.State = StateNotRunning
		return info
	}

	info.PID = rec.PID
	info.MountPoint = rec.MountPoint
	info.StartedAt = rec.StartedAt

	switch res := s.checker.Check(ctx, rec); res {
	case health.Healthy:
		info.State = StateHealthy
	default:
		info.State = StateDegraded
		info.Reason = res.String()
	}
	return info
}
