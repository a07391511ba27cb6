package api

import "time"

// ReleaseReason explains why a lease ended.
type ReleaseReason string

const (
	// ReasonUserDisconnect is a release initiated by the lease holder.
	ReasonUserDisconnect ReleaseReason = "user_disconnect"
	// ReasonTimeExpired is a release performed by the lease expiry timer.
	ReasonTimeExpired ReleaseReason = "time_expired"
	// ReasonAdminStop is a release forced by an operator.
	ReasonAdminStop ReleaseReason = "admin_stop"
)

// Valid reports whether r is one of the defined release reasons.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReasonUserDisconnect, ReasonTimeExpired, ReasonAdminStop:
		return true
	}
	return false
}

// ParseReleaseReason parses a wire value. Empty input yields ReasonUserDisconnect.
func ParseReleaseReason(raw string) (ReleaseReason, bool) {
	if raw == "" {
		return ReasonUserDisconnect, true
	}
	r := ReleaseReason(raw)
	return r, r.Valid()
}

// Rejection reasons reported on 429 claim responses.
const (
	RejectOccupied = "occupied"
	RejectCooldown = "cooldown"
)

// ClaimRequest models the JSON payload for POST /claim.
type ClaimRequest struct {
	// UserID identifies the claimant. Ignored when the caller presents a verified bearer token.
	UserID string `json:"userId"`
}

// ClaimResponse is returned with 200 when the claim was granted.
type ClaimResponse struct {
	// LeaseID identifies the new lease; required for release.
	LeaseID string `json:"leaseId"`
	// TimeLimit is the lease duration in minutes.
	TimeLimit int `json:"timeLimit"`
	// ExpiresAt is the unix timestamp (seconds) at which the lease expires.
	ExpiresAt int64 `json:"expiresAt"`
	// Message is a human-readable status line.
	Message string `json:"message"`
}

// QueuedResponse is returned with 429 when the claim was not granted.
type QueuedResponse struct {
	// Reason is either "occupied" or "cooldown".
	Reason string `json:"reason"`
	// Position is the 1-based queue position; zero for cooldown rejections.
	Position int `json:"position,omitempty"`
	// EstimatedWait is the estimated wait in minutes.
	EstimatedWait int `json:"estimatedWait,omitempty"`
	// RetryAfterSeconds is set for cooldown rejections.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
	// Message is a human-readable status line.
	Message string `json:"message"`
	// Stats is the controller snapshot at rejection time.
	Stats Stats `json:"stats"`
}

// ReleaseResponse acknowledges DELETE /claim and the beacon end path.
type ReleaseResponse struct {
	Released bool          `json:"released"`
	LeaseID  string        `json:"leaseId"`
	Reason   ReleaseReason `json:"reason"`
}

// ForceEndAllResponse acknowledges POST /claim?action=forceEndAll.
type ForceEndAllResponse struct {
	// Released counts leases that were ended.
	Released int `json:"released"`
	// Cleared counts queue entries that were dropped.
	Cleared int `json:"cleared"`
}

// Stats is the read-only controller projection served by GET /stats.
type Stats struct {
	ActiveSessions int `json:"activeSessions"`
	QueueLength    int `json:"queueLength"`
	CooldownUsers  int `json:"cooldownUsers"`
	// TimeSinceLastSessionEnd is in milliseconds; zero when no lease was released yet.
	TimeSinceLastSessionEnd int64 `json:"timeSinceLastSessionEnd"`
	MaxConcurrent           int   `json:"maxConcurrent"`
}

// Free reports whether the snapshot shows spare capacity.
func (s Stats) Free() bool {
	return s.ActiveSessions < s.MaxConcurrent
}

// SessionInfo describes an active lease.
type SessionInfo struct {
	LeaseID   string `json:"leaseId"`
	UserID    string `json:"userId"`
	StartedAt int64  `json:"startedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	// RemainingSeconds is the whole number of seconds left.
	RemainingSeconds int64 `json:"remainingSeconds"`
	// RemainingMinutes is rounded up.
	RemainingMinutes int `json:"remainingMinutes"`
}

// QueuePosition describes a queued user.
type QueuePosition struct {
	UserID        string `json:"userId"`
	Position      int    `json:"position"`
	JoinedAt      int64  `json:"joinedAt"`
	EstimatedWait int    `json:"estimatedWait"`
}

// CancelResponse acknowledges DELETE /claim?action=cancel.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	UserID    string `json:"userId"`
}

// ErrorResponse is the envelope for every non-2xx response other than 429 claims.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// EventKind enumerates notifier events.
type EventKind string

const (
	EventSessionStarted     EventKind = "session_started"
	EventTimeWarning        EventKind = "time_warning"
	EventTimeWarningFinal   EventKind = "time_warning_final"
	EventSessionExpired     EventKind = "session_expired"
	EventSessionInterrupted EventKind = "session_interrupted"
	EventSessionEnded       EventKind = "session_ended"
	EventQueueJoined        EventKind = "queue_joined"
	EventQueuePosition      EventKind = "queue_position"
	EventQueueYourTurn      EventKind = "queue_your_turn"
	EventQueueTimeout       EventKind = "queue_timeout"
	EventQueueCleared       EventKind = "queue_cleared"
)

// Event is a lifecycle notification addressed to one user.
type Event struct {
	Kind        EventKind `json:"kind"`
	UserID      string    `json:"userId"`
	LeaseID     string    `json:"leaseId,omitempty"`
	Position    int       `json:"position,omitempty"`
	MinutesLeft int       `json:"minutesLeft,omitempty"`
	SecondsLeft int       `json:"secondsLeft,omitempty"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}
