package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Lease is an exclusive right to read and modify the runtime record of one
// mount name. Acquired before any store access for that name; must be
// released on every exit path. The lease is backed by a flock-ed file, so it
// excludes other automnt processes (concurrent CLI invocations, the watchdog
// daemon), not just goroutines in this one.
type Lease struct {
	// ID tags the lease for log correlation
	ID string

	// Name is the mount name this lease covers
	Name string

	// AcquiredAt is when the lease was granted
	AcquiredAt time.Time

	mgr      *LeaseManager
	file     *os.File
	released bool
}

// Release gives the lease back. Safe to call exactly once; typically deferred
// immediately after Acquire.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	if l.file != nil {
		if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
			klog.Warningf("Failed to unlock lease file for mount %s: %v", l.Name, err)
		}
		l.file.Close()
	}

	klog.V(5).Infof("Released lease %s for mount %s (held %v)", l.ID, l.Name, time.Since(l.AcquiredAt))
	l.mgr.release(l.Name)
}

// LeaseManager serializes operations on individual mount names while allowing
// concurrent operations on different names. Exclusion is enforced by flock on
// a per-name lock file under the lock directory, so every automnt process
// working against the same state observes the same leases; the in-process
// mutex layer only keeps goroutines of one process from racing on the flock.
type LeaseManager struct {
	// dir holds the per-name lock files
	dir string

	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps mount name to per-name mutex
	locks map[string]*sync.Mutex
}

// NewLeaseManager creates a LeaseManager backed by lock files under dir.
// The directory is created on first acquisition.
func NewLeaseManager(dir string) *LeaseManager {
	return &LeaseManager{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// Acquire blocks until the exclusive lease for the named mount is available,
// first against goroutines of this process, then against other processes via
// the flock.
func (m *LeaseManager) Acquire(name string) (*Lease, error) {
	// Take the manager lock only to get/create the per-name lock; release it
	// before blocking on the per-name lock so a held lease on one name never
	// stalls acquisition on another.
	m.mu.Lock()
	lock, exists := m.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	m.mu.Unlock()

	lock.Lock()

	file, err := m.lockFile(name)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	lease := &Lease{
		ID:         uuid.NewString(),
		Name:       name,
		AcquiredAt: time.Now(),
		mgr:        m,
		file:       file,
	}
	klog.V(5).Infof("Acquired lease %s for mount %s", lease.ID, name)
	return lease, nil
}

// lockFile opens the per-name lock file and blocks until the exclusive flock
// is granted.
func (m *LeaseManager) lockFile(name string) (*os.File, error) {
	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", m.dir, err)
	}

	path := filepath.Join(m.dir, lockFileName(name))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return file, nil
}

// lockFileName maps a mount name to a flat lock file name.
func lockFileName(name string) string {
	return strings.ReplaceAll(name, string(filepath.Separator), "_") + ".lock"
}

func (m *LeaseManager) release(name string) {
	m.mu.Lock()
	lock, exists := m.locks[name]
	m.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}
