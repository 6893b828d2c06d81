// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package models

import (
	"errors"
	"fmt"
)

// Pipeline error classes. Callers branch on these with errors.Is; the
// wrapped messages carry the specifics.
var (
	// ErrInvalidSample marks a rejected location sample: malformed
	// coordinates, accuracy above the ceiling, a future timestamp beyond
	// skew tolerance, or a capture time at or before the student's last
	// stored trace.
	ErrInvalidSample = errors.New("invalid location sample")

	// ErrClassificationTimeout marks a classification that exceeded the
	// pipeline deadline. The trace is stored; no event is emitted.
	ErrClassificationTimeout = errors.New("classification timed out")

	// ErrPersistenceFailure marks a durable write that failed after
	// retries.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrCrossTenantAccess marks any attempt to touch another tenant's
	// data. Always rejected, never silently ignored.
	ErrCrossTenantAccess = errors.New("cross-tenant access denied")

	// ErrNotFound marks a lookup for an entity that does not exist within
	// the caller's tenant.
	ErrNotFound = errors.New("not found")
)

// InvalidSample wraps ErrInvalidSample with a reason.
func InvalidSample(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSample, fmt.Sprintf(format, args...))
}

// CrossTenant wraps ErrCrossTenantAccess naming the offending tenant pair.
func CrossTenant(callerTenant, targetTenant string) error {
	return fmt.Errorf("%w: caller tenant %q, target tenant %q", ErrCrossTenantAccess, callerTenant, targetTenant)
}
