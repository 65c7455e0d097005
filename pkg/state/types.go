package state

import "time"

// ActiveRecord tracks one running mount-helper process. Exactly one record
// may exist per mount name; the store enforces this and the unique-path
// invariant on every write.
type ActiveRecord struct {
	// Name references a mount definition. The record persists even if the
	// definition is later disabled, until explicitly cleared.
	Name string `json:"name"`

	// PID of the helper process
	PID int `json:"pid"`

	// MountPoint is the resolved target path
	MountPoint string `json:"mount_point"`

	// StartedAt is when the helper was launched
	StartedAt time.Time `json:"started_at"`

	// LastHealthy is refreshed by the watchdog on every healthy pass
	LastHealthy time.Time `json:"last_healthy"`

	// Failures counts consecutive unhealthy watchdog passes
	Failures int `json:"failures"`
}

// FailureRecord marks a mount that hit the retry ceiling. The watchdog stops
// restarting it; a user-initiated start clears the record and resets the
// counter.
type FailureRecord struct {
	Failures int       `json:"failures"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Observation is one externally observed helper mount, used to rebuild the
// state file after corruption.
type Observation struct {
	Name       string
	PID        int
	MountPoint string
}
