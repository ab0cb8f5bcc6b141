package storage

import "errors"

var (
	// ErrNotFound is returned when a position does not exist or is not
	// visible to the calling tenant.
	ErrNotFound = errors.New("position not found")
	// ErrVersionConflict is returned when a conditional update matched zero
	// rows: another writer committed first. The caller must refetch and
	// either retry or surface the conflict.
	ErrVersionConflict = errors.New("stale position version")
	// ErrLockHeld is returned when a job's advisory lock is already held by
	// a concurrent run. The tick is skipped, never queued.
	ErrLockHeld = errors.New("advisory lock already held")
	// ErrUnchanged is returned by a MutateLocked callback to commit nothing
	// and release the row lock silently.
	ErrUnchanged = errors.New("position unchanged")
	// ErrTenantSettingsNotFound is returned when a tenant has no risk
	// settings row.
	ErrTenantSettingsNotFound = errors.New("tenant risk settings not found")
)
