package utils

import (
	"errors"
	"strings"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrUnknownMount indicates the requested mount name has no definition
	ErrUnknownMount = errors.New("unknown mount")

	// ErrInvalidDefinition indicates a mount definition failed validation
	ErrInvalidDefinition = errors.New("invalid mount definition")

	// ErrMountDisabled indicates the mount definition is disabled
	ErrMountDisabled = errors.New("mount disabled")

	// ErrLaunchFailure indicates the mount helper could not be started
	// or never became healthy within the readiness timeout
	ErrLaunchFailure = errors.New("launch failure")

	// ErrTerminateFailure indicates the helper or its mount point could not
	// be torn down. Never auto-resolved: the active record is retained so a
	// retry remains possible.
	ErrTerminateFailure = errors.New("terminate failure")

	// ErrProcessDead indicates the recorded helper process no longer exists
	// (or its PID now belongs to an unrelated process)
	ErrProcessDead = errors.New("helper process dead")

	// ErrMountUnresponsive indicates the helper is alive but the mount point
	// does not answer a read probe
	ErrMountUnresponsive = errors.New("mount unresponsive")

	// ErrStateStoreCorrupt indicates the runtime state file could not be
	// decoded and must be rebuilt from observation
	ErrStateStoreCorrupt = errors.New("state store corrupt")
)

// IsRetryableError determines if an error is transient and worth retrying on
// a later attempt. Definition-level errors (unknown, invalid, disabled) and
// teardown failures are never retryable; runtime conditions (a launch that
// did not come up, a dead or unresponsive helper) are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTerminateFailure) || errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrUnknownMount) || errors.Is(err, ErrMountDisabled) {
		return false
	}

	if errors.Is(err, ErrLaunchFailure) || errors.Is(err, ErrProcessDead) ||
		errors.Is(err, ErrMountUnresponsive) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Transient network and filesystem conditions
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"temporary failure",
		"resource temporarily unavailable",
		"transport endpoint is not connected",
		"try again",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
