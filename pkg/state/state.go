// Package state defines the persistence contract for cluster records and the
// optimistic versioning rule every backend enforces.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/model"
)

var (
	ErrNotFound        = errors.New("state: cluster not found")
	ErrVersionConflict = errors.New("state: version conflict")
)

// Store persists cluster records. SaveCluster is a compare-and-set on
// Cluster.Version: expected is the version the caller read, 0 when creating.
// On success the store sets cl.Version to expected+1.
type Store interface {
	LoadCluster(ctx context.Context, id string) (*model.Cluster, error)
	SaveCluster(ctx context.Context, cl *model.Cluster, expected uint64) error
	ListClusters(ctx context.Context) ([]*model.Cluster, error)
	Close() error
}

// Snapshotter is implemented by stores whose full contents can be exported
// and replaced, as needed by a replicated state machine.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}

// CheckVersion applies the compare-and-set rule. cur is the stored record or
// nil when absent.
func CheckVersion(id string, cur *model.Cluster, expected uint64) error {
	switch {
	case cur == nil && expected == 0:
		return nil
	case cur == nil:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case expected == 0:
		return fmt.Errorf("%w: %s already exists", ErrVersionConflict, id)
	case cur.Version != expected:
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, id, cur.Version, expected)
	}
	return nil
}
