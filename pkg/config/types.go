package config

import "time"

// Remote identifies the storage backend a mount attaches to.
type Remote struct {
	// Name is the backend identifier passed to the mount helper (e.g. "gdrive:")
	Name string `json:"name" validate:"required"`

	// Type is the backend type as reported by the remote inventory
	Type string `json:"type" validate:"required"`
}

// MountDefinition is a user-declared mount. Owned by the registry; never
// mutated by the supervisor or watchdog. Names are case-sensitive and
// immutable once stored.
type MountDefinition struct {
	Name   string `json:"name" validate:"required"`
	Remote Remote `json:"remote"`

	// MountPoint is the local target path. Empty means <mount_base_dir>/<name>.
	MountPoint string `json:"mount_point,omitempty"`

	// Options are helper-specific option strings, in order. A nil list means
	// "use the global default options"; an empty non-nil list means "none".
	Options []string `json:"options,omitempty"`

	// AutoRestart and Enable override the global defaults when set.
	AutoRestart *bool `json:"auto_restart,omitempty"`
	Enable      *bool `json:"enable,omitempty"`

	Description string `json:"description,omitempty"`
}

// GlobalConfig holds the global defaults merged into every mount definition
// at resolution time. Loaded once at process start and treated as immutable.
type GlobalConfig struct {
	DefaultOptions     []string `json:"default_options"`
	DefaultAutoRestart bool     `json:"default_auto_restart"`
	DefaultDescription string   `json:"default_description"`
	DefaultEnable      bool     `json:"default_enable"`

	WatchdogIntervalSeconds int    `json:"watchdog_interval"`
	MountBaseDir            string `json:"mount_base_dir"`
	LogLevel                string `json:"log_level"`

	// HelperCommand is the mount helper executable (rclone-compatible CLI).
	HelperCommand string `json:"helper_command"`

	// Policy knobs. Conservative defaults, overridable per deployment.
	RetryCeiling            int `json:"retry_ceiling"`
	ReadinessTimeoutSeconds int `json:"readiness_timeout_seconds"`
	TerminationGraceSeconds int `json:"termination_grace_seconds"`
	ProbeTimeoutSeconds     int `json:"probe_timeout_seconds"`
}

// WatchdogInterval returns the watchdog pass interval as a duration.
func (g GlobalConfig) WatchdogInterval() time.Duration {
	return time.Duration(g.WatchdogIntervalSeconds) * time.Second
}

// ReadinessTimeout is how long a freshly launched mount may take to report
// healthy before the launch is treated as failed.
func (g GlobalConfig) ReadinessTimeout() time.Duration {
	return time.Duration(g.ReadinessTimeoutSeconds) * time.Second
}

// TerminationGrace is how long a helper gets between SIGTERM and SIGKILL.
func (g GlobalConfig) TerminationGrace() time.Duration {
	return time.Duration(g.TerminationGraceSeconds) * time.Second
}

// ProbeTimeout bounds the mount point read probe.
func (g GlobalConfig) ProbeTimeout() time.Duration {
	return time.Duration(g.ProbeTimeoutSeconds) * time.Second
}

// ResolvedMount is a mount definition with global defaults merged in and the
// final mount path computed. This is what the launcher and supervisor consume.
type ResolvedMount struct {
	Name        string
	RemoteName  string
	RemoteType  string
	MountPoint  string
	Options     []string
	AutoRestart bool
	Enable      bool
	Description string
}
