package supervisor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	// breakerConsecutiveFailures is the number of launch failures before a
	// mount's circuit opens
	breakerConsecutiveFailures = 3

	// breakerTimeout is how long an open circuit blocks relaunches before
	// allowing a probe attempt
	breakerTimeout = 2 * time.Minute

	// breakerInterval is the cyclic period of the closed state after which
	// the failure count is cleared
	breakerInterval = time.Minute
)

// launchBreakers manages per-mount circuit breakers around helper launches.
// A helper that fails to come up repeatedly (missing backend, bad options)
// would otherwise be relaunched on every watchdog pass; the breaker spaces
// those attempts out.
type launchBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newLaunchBreakers() *launchBreakers {
	return &launchBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (lb *launchBreakers) get(name string) *gobreaker.CircuitBreaker {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if cb, ok := lb.breakers[name]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Warningf("Launch circuit for mount %s: %s -> %s", name, from, to)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	lb.breakers[name] = cb
	return cb
}

// Execute runs a launch attempt through the mount's breaker.
func (lb *launchBreakers) Execute(name string, fn func() error) error {
	_, err := lb.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Reset discards the breaker for a mount. Called on user-initiated start so
// an operator can always force a fresh attempt immediately.
func (lb *launchBreakers) Reset(name string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.breakers, name)
}
