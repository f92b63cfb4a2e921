package cluster

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("cluster: validation failed")
	ErrNotFound               = errors.New("cluster: not found")
	ErrConcurrentModification = errors.New("cluster: concurrent modification")
	ErrQuorumLost             = errors.New("cluster: quorum lost")
)

// ValidationError is a caller error: bad input shape or an illegal state
// transition. It is never retried.
type ValidationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cluster: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("cluster: %s: %s", e.Op, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Unwrap() error        { return e.Err }

// NotFoundError names the unknown cluster or member.
type NotFoundError struct {
	Kind string // "cluster" or "member"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cluster: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrentModificationError is returned when the store kept rejecting the
// write as stale. Retrying the whole call is safe.
type ConcurrentModificationError struct {
	ClusterID string
	Attempts  uint
	Err       error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("cluster: %s modified concurrently (%d attempts): %v", e.ClusterID, e.Attempts, e.Err)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}
func (e *ConcurrentModificationError) Unwrap() error { return e.Err }

// QuorumLostError describes a cluster without quorum. Operations never return
// it; it is derived from a snapshot by ClusterSnapshot.Err for callers that
// want to treat the condition as an error.
type QuorumLostError struct {
	ClusterID string
	Reachable int
	Total     int
	Quorum    int
}

func (e *QuorumLostError) Error() string {
	return fmt.Sprintf("cluster: %s lost quorum: %d of %d reachable, need %d", e.ClusterID, e.Reachable, e.Total, e.Quorum)
}

func (e *QuorumLostError) Is(target error) bool { return target == ErrQuorumLost }

func invalid(op, reason string, err error) error {
	return &ValidationError{Op: op, Reason: reason, Err: err}
}
