// Package svcfields holds the log field keys shared by every voicelease
// component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Field keys.
const (
	SubsystemKey = pslog.TrustedString("sys")
	UserKey      = pslog.TrustedString("user_id")
	LeaseKey     = pslog.TrustedString("lease_id")
)

// WithSubsystem tags every entry with a dotted subsystem path such as
// "admission.controller". Empty segments are dropped.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithUser tags every entry with the claimant id.
func WithUser(logger pslog.Logger, userID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return logger
	}
	return logger.With(UserKey, userID)
}

// WithLease tags every entry with a lease id.
func WithLease(logger pslog.Logger, leaseID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if leaseID == "" {
		return logger
	}
	return logger.With(LeaseKey, leaseID)
}
