package admission

import "errors"

var (
	// ErrInvalidUser reports a blank user identifier.
	ErrInvalidUser = errors.New("admission: user id required")
	// ErrInvalidLease reports a blank lease identifier.
	ErrInvalidLease = errors.New("admission: lease id required")
	// ErrInvalidReason reports a release reason outside the defined set.
	ErrInvalidReason = errors.New("admission: invalid release reason")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("admission: controller closed")
)
